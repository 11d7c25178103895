package domain

const (
	// BoardTitleKey is the local settings key holding the cosmetic board title.
	BoardTitleKey = "kando.boardTitle"
	// DefaultBoardTitle is shown until an admin renames the board.
	DefaultBoardTitle = "Main Board"
)

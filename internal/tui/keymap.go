package tui

// Key binding constants used in handleKey.
const (
	KeyRecord   = "r"
	KeyPause    = "p"
	KeyStop     = "s"
	KeyReRecord = "x"
	KeyRetry    = "t"
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
)

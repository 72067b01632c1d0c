package tray

// Actions are the card operations the tray menu can trigger.
type Actions struct {
	Rescan      func() error
	ReaderCount func() int
}

// TrayApp is inert on Linux, where the agent always runs headless.
type TrayApp struct{}

func New(string, Actions, func()) *TrayApp { return &TrayApp{} }

func (t *TrayApp) RunWithServer(serverStart func()) {
	if serverStart != nil {
		serverStart()
	}
}

func (t *TrayApp) Quit()              {}
func (t *TrayApp) SetReaderCount(int) {}
func (t *TrayApp) SetCard(string)     {}

// IsSupported reports false: Linux desktops vary too much for one tray
// implementation.
func IsSupported() bool {
	return false
}

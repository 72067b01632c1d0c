//go:build !linux

package tray

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"github.com/getlantern/systray"

	"github.com/SimplyPrint/mifare-agent/internal/api"
	"github.com/SimplyPrint/mifare-agent/internal/logging"
)

// Actions are the card operations the tray menu can trigger.
type Actions struct {
	Rescan      func() error
	ReaderCount func() int
}

// TrayApp manages the system tray icon and menu
type TrayApp struct {
	serverAddr string
	actions    Actions
	onQuit     func()
	mu         sync.Mutex

	// Menu items for updating
	mStatus  *systray.MenuItem
	mReaders *systray.MenuItem
	mCard    *systray.MenuItem
}

// New creates a new TrayApp instance
func New(serverAddr string, actions Actions, onQuit func()) *TrayApp {
	return &TrayApp{
		serverAddr: serverAddr,
		actions:    actions,
		onQuit:     onQuit,
	}
}

// RunWithServer runs the tray on the main thread and starts the server in a goroutine.
// This function BLOCKS - it must be called from the main goroutine on macOS.
func (t *TrayApp) RunWithServer(serverStart func()) {
	systray.Run(func() {
		t.onReady()
		if serverStart != nil {
			go serverStart()
		}
	}, t.onExit)
}

// Quit closes the tray, which makes RunWithServer return.
func (t *TrayApp) Quit() {
	systray.Quit()
}

func (t *TrayApp) onReady() {
	systray.SetIcon(iconData)
	systray.SetTitle("") // Empty title for cleaner menu bar (macOS)
	systray.SetTooltip("MIFARE Agent")

	mVersion := systray.AddMenuItem(versionLabel(api.Version), "")
	mVersion.Disable()

	systray.AddSeparator()

	t.mu.Lock()
	t.mStatus = systray.AddMenuItem("Status: Starting...", "Server status")
	t.mStatus.Disable()
	t.mReaders = systray.AddMenuItem("Readers: Checking...", "Connected PC/SC readers")
	t.mReaders.Disable()
	t.mCard = systray.AddMenuItem(cardLabel(""), "Card on the reader")
	t.mCard.Disable()
	t.mu.Unlock()

	systray.AddSeparator()

	mRescan := systray.AddMenuItem("Rescan Card", "Read the card on the reader again")
	mDump := systray.AddMenuItem("Show Card Dump", "Open the latest dump in the browser")

	systray.AddSeparator()

	mQuit := systray.AddMenuItem("Quit", "Exit MIFARE Agent")

	go t.updateStatus()

	go func() {
		defer logging.RecoverAndLog("tray menu", false)
		for {
			select {
			case <-mRescan.ClickedCh:
				t.rescan()
			case <-mDump.ClickedCh:
				t.openBrowser(fmt.Sprintf("http://%s/v1/card/dump?format=text", t.serverAddr))
			case <-mQuit.ClickedCh:
				systray.Quit()
				return
			}
		}
	}()
}

func (t *TrayApp) onExit() {
	if t.onQuit != nil {
		t.onQuit()
	}
}

func (t *TrayApp) rescan() {
	if t.actions.Rescan == nil {
		return
	}
	if err := t.actions.Rescan(); err != nil {
		logging.Warn(logging.CatSystem, "Rescan from tray failed", map[string]any{
			"error": err.Error(),
		})
	}
}

// updateStatus refreshes the status display in the tray menu
func (t *TrayApp) updateStatus() {
	count := 0
	if t.actions.ReaderCount != nil {
		count = t.actions.ReaderCount()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mStatus != nil {
		t.mStatus.SetTitle("Status: Running")
	}
	if t.mReaders != nil {
		t.mReaders.SetTitle(readerLabel(count))
	}
}

// SetReaderCount updates the displayed reader count
func (t *TrayApp) SetReaderCount(count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mReaders != nil {
		t.mReaders.SetTitle(readerLabel(count))
	}
}

// SetCard shows the UID of the card on the reader, or none for "".
func (t *TrayApp) SetCard(uid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mCard != nil {
		t.mCard.SetTitle(cardLabel(uid))
	}
}

func (t *TrayApp) openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		logging.Warn(logging.CatSystem, "Failed to open browser", map[string]any{
			"url":   url,
			"error": err.Error(),
		})
	}
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return true
}

package main

import (
	_ "embed"

	"github.com/getlantern/systray"
)

//go:embed assets/icon-template.png
var iconBytes []byte

// StartSystray launches the menu-bar icon in a background goroutine.
// It must be called AFTER Wails startup() fires so the Cocoa run loop is
// already running — calling it earlier causes a deadlock.
func StartSystray(app *App) {
	go systray.Run(
		func() { onSystrayReady(app) },
		func() { /* onExit — nothing to clean up */ },
	)
}

func onSystrayReady(app *App) {
	HideFromDock() // runs on Cocoa thread — safe to call NSApp here
	systray.SetTemplateIcon(iconBytes, iconBytes)
	systray.SetTooltip("GhostType — " + FormatChord(defaultChord) + " to open")

	mToggle := systray.AddMenuItem("Open Panel ("+FormatChord(defaultChord)+")", "Show or hide the GhostType panel")
	systray.AddSeparator()
	mQuit := systray.AddMenuItem("Quit GhostType", "Exit the application")

	go func() {
		for {
			select {
			case <-mToggle.ClickedCh:
				app.TogglePanel()
			case <-mQuit.ClickedCh:
				systray.Quit()
				app.Quit()
				return
			}
		}
	}()
}

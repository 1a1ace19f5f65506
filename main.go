package main

import (
	"context"
	"embed"
	"log"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/menu"
	"github.com/wailsapp/wails/v2/pkg/menu/keys"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"github.com/wailsapp/wails/v2/pkg/options/mac"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	app := NewApp()
	app.SetHotkeyService(NewHotkeyService())

	// Application menu — shortcuts while the panel is focused.
	appMenu := menu.NewMenu()
	fileMenu := appMenu.AddSubmenu("GhostType")
	fileMenu.AddText("Show / Hide Panel", keys.CmdOrCtrl("k"), func(_ *menu.CallbackData) {
		app.TogglePanel()
	})
	fileMenu.AddSeparator()
	fileMenu.AddText("Quit", keys.CmdOrCtrl("q"), func(_ *menu.CallbackData) {
		app.Quit()
	})

	err := wails.Run(&options.App{
		Title:  "GhostType",
		Width:  int(panelMinWidth),
		Height: int(panelMinHeight),
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		Frameless:        true,
		AlwaysOnTop:      true,
		DisableResize:    true,
		BackgroundColour: &options.RGBA{R: 24, G: 24, B: 28, A: 0},
		OnStartup: func(ctx context.Context) {
			app.startup(ctx)
			StartSystray(app)
		},
		Bind: []interface{}{app},
		Mac: &mac.Options{
			TitleBar:             mac.TitleBarHiddenInset(),
			Appearance:           mac.NSAppearanceNameDarkAqua,
			WebviewIsTransparent: true,
			WindowIsTranslucent:  true,
			About: &mac.AboutInfo{
				Title:   "GhostType",
				Message: "A floating AI prompt for any text field.",
			},
		},
		StartHidden:       true, // panel appears on the global hotkey, not at launch
		HideWindowOnClose: true, // closing hides, doesn't quit
		Menu:              appMenu,
	})

	if err != nil {
		log.Fatalf("fatal: wails.Run failed: %v", err)
	}
}

package soundmic

import (
	"path/filepath"

	"fyne.io/systray"

	"github.com/MixyLabs/soundmic/pkg/soundmic/assets"
	"github.com/MixyLabs/soundmic/pkg/soundmic/util"
)

// the sounds submenu has a fixed number of slots, shown and hidden as the library changes
const maxTraySounds = 40

func (s *SoundMic) initializeTray(onDone func()) {
	logger := s.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(assets.Icon(), assets.Icon())
		systray.SetTitle("soundmic")
		systray.SetTooltip("soundmic: " + s.core.Backend())

		sounds := systray.AddMenuItem("Sounds", "Play a sound into the virtual microphone")
		noSounds := sounds.AddSubMenuItem("No sounds found", "")
		noSounds.Disable()

		slots := make([]*systray.MenuItem, maxTraySounds)
		paths := make([]string, maxTraySounds)
		clicked := make(chan int)

		for i := range slots {
			slots[i] = sounds.AddSubMenuItem("", "")
			slots[i].Hide()

			go func(i int, item *systray.MenuItem) {
				for range item.ClickedCh {
					clicked <- i
				}
			}(i, slots[i])
		}

		stopAll := systray.AddMenuItem("Stop all sounds", "Silence every playing sound")

		systray.AddSeparator()
		reload := systray.AddMenuItem("Reload virtual microphone", "Tear down and rebuild the virtual microphone")
		editConfig := systray.AddMenuItem("Edit configuration", "Open config file with notepad")

		if s.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(s.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop soundmic and quit")

		go func() {
			for {
				select {
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					s.signalStop()

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					editor := "notepad.exe"
					if util.Linux() {
						editor = "xdg-open"
					}

					if err := util.OpenExternal(logger, editor, s.configMan.Path()); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}

				case <-reload.ClickedCh:
					logger.Info("Reload menu item clicked, rebuilding virtual microphone")
					s.reload()

				case <-stopAll.ClickedCh:
					logger.Info("Stop all menu item clicked")
					s.core.StopAll()

				case i := <-clicked:
					path := paths[i]
					if path == "" {
						continue
					}

					logger.Debugw("Sound menu item clicked", "path", path)

					if _, err := s.core.Play(path); err != nil {
						logger.Warnw("Failed to play sound", "path", path, "error", err)
						s.notifier.Notify("Can't play sound", filepath.Base(path))
					}

				case update := <-s.soundsUpdate:
					if len(update) > maxTraySounds {
						logger.Infow("Too many sounds for the tray menu, showing the first ones",
							"count", len(update), "shown", maxTraySounds)
						update = update[:maxTraySounds]
					}

					for i, item := range slots {
						if i < len(update) {
							paths[i] = update[i]
							item.SetTitle(filepath.Base(update[i]))
							item.SetTooltip(update[i])
							item.Show()
						} else {
							paths[i] = ""
							item.Hide()
						}
					}

					if len(update) == 0 {
						noSounds.Show()
					} else {
						noSounds.Hide()
					}
				}
			}
		}()

		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (s *SoundMic) stopTray() {
	s.logger.Debug("Quitting tray")
	systray.Quit()
}

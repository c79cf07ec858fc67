package assets

// Icon returns the tray icon in the format the platform tray expects.
func Icon() []byte {
	return iconICO
}

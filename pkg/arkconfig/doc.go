// Package arkconfig reads and writes the INI-style GameUserSettings.ini and
// Game.ini files of the dedicated server. Values are typed from their
// textual shape and unknown keys round-trip untouched; the game defines
// hundreds of settings this orchestrator has no opinion about.
package arkconfig

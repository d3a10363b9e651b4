package arkconfig

import "fmt"

// settingDescriptions carries UI help text for well-known keys. The product
// defines hundreds of settings; anything absent here is still round-tripped,
// it just renders with a generic description.
var settingDescriptions = map[string]map[string]string{
	"ServerSettings": {
		"ServerAdminPassword": "Admin password used for RCON and in-game admin commands. Use a strong one.",
		"ServerPassword":      "Join password. When set only players with the password can connect; absent means public.",
		"MaxPlayers":          "Maximum number of concurrent players. Default: 70",
		"RCONEnabled":         "Enables the remote console protocol. Default: True",
		"RCONPort":            "TCP port the remote console listens on. Default: 27020",
		"ServerName":          "Name shown in the server browser; doubles as the session name.",
		"MessageOfTheDay":     "Message shown to players on join.",
		"MOTDDuration":        "Seconds the message of the day stays on screen. Default: 10",
		"ServerPVE":           "Runs the server in PvE mode (players cannot damage each other). Default: False",
		"ServerHardcore":      "Hardcore mode: characters are wiped on death. Default: False",
		"ServerCrosshair":     "Shows a crosshair to players. Default: False",
		"ServerForceNoHud":    "Hides the HUD entirely. Default: False",
		"ShowFloatingDamageText": "Shows floating damage numbers. Default: True",
		"AllowThirdPersonPlayer": "Allows third-person camera. Default: True",
		"GlobalVoiceChat":        "Voice chat is heard map-wide instead of by proximity. Default: False",
		"ProximityChat":          "Text chat is limited to nearby players. Default: True",
		"DifficultyOffset":       "Difficulty between 0.0 (easy) and 1.0 (hard). Default: 0.2",
		"OverrideOfficialDifficulty": "Overrides the official difficulty value; 1.0-10.0.",
		"MaxTamedDinos":              "Total tame cap on the server. Default: 5000",
		"MaxTamedDinosPerPlayer":     "Per-player tame cap. Default: 200",
		"MaxNumberOfPlayersInTribe":  "Maximum tribe size. Default: 50",
		"PreventDownloadSurvivors":   "Blocks downloading characters from other servers. Default: False",
		"PreventDownloadItems":       "Blocks downloading items from other servers. Default: False",
		"PreventDownloadDinos":       "Blocks downloading tames from other servers. Default: False",
		"PreventUploadSurvivors":     "Blocks uploading characters to other servers. Default: False",
		"NoTributeDownloads":         "Blocks tribute downloads entirely. Default: False",
		"DisableStructureDecayPvE":   "Disables timed structure decay in PvE. Default: False",
		"AllowFlyerCarryPvE":         "Allows flyers to carry creatures and players in PvE. Default: True",
	},
	"SessionSettings": {
		"SessionName": "Server session name shown in the browser.",
		"Port":        "Main game port. Default: 7777",
		"QueryPort":   "Server browser query port. Default: 27015",
	},
	"/script/shootergame.shootergamemode": {
		"XPMultiplier":              "Experience gain multiplier. 1.0 = normal. Default: 1.0",
		"TamingSpeedMultiplier":     "Taming speed multiplier. 1.0 = normal. Default: 1.0",
		"HarvestAmountMultiplier":   "Harvest yield multiplier. 1.0 = normal. Default: 1.0",
		"DayCycleSpeedScale":        "Day cycle speed; 2.0 halves the length of a day. Default: 1.0",
		"NightTimeSpeedScale":       "Night speed multiplier. Default: 1.0",
		"DinoDamageMultiplier":      "Creature damage multiplier. Default: 1.0",
		"PlayerDamageMultiplier":    "Player damage multiplier. Default: 1.0",
		"StructureDamageMultiplier": "Structure damage taken multiplier. Default: 1.0",
		"MatingIntervalMultiplier":  "Mating cooldown multiplier; 0.5 halves the wait. Default: 1.0",
		"EggHatchSpeedMultiplier":   "Egg hatch speed multiplier. Default: 1.0",
		"BabyMatureSpeedMultiplier": "Baby maturation speed multiplier. Default: 1.0",
	},
}

// Describe returns help text for a setting. Unknown keys get a generic
// description, never an error.
func Describe(section, key string) string {
	if m, ok := settingDescriptions[section]; ok {
		if d, ok := m[key]; ok {
			return d
		}
	}
	// Game.ini and GameUserSettings.ini share key names across sections.
	for _, m := range settingDescriptions {
		if d, ok := m[key]; ok {
			return d
		}
	}
	return fmt.Sprintf("Custom setting %s - not part of the standard configuration; check the game or mod documentation.", key)
}

// IsBooleanSetting reports whether a setting holds a true/false value. Only
// explicit boolean text counts; 1 and 0 stay numeric since many settings are
// counts or multipliers.
func IsBooleanSetting(section, key string, v Value) bool {
	if _, ok := v.AsBool(); ok {
		return true
	}
	if v.Kind() == KindString {
		switch v.String() {
		case "true", "false", "True", "False", "yes", "no", "on", "off":
			return true
		}
	}
	return false
}

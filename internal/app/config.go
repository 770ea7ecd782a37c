package app

import (
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is everything the process reads from its JSON config file.
type Config struct {
	LogLevel             string
	Name                 string
	Description          string
	Map                  string
	Port                 uint16
	TickRate             uint8
	MaxPlayers           uint8
	MaxVehiclesPerClient uint8
	ShowInServerList     bool
	ListingURL           string
	ModsDir              string
	Identifier           string
}

// LoadConfig reads convoy.cfg.json from configDir, falling back to
// defaults for anything unset. A missing file is not an error: the server
// can always start with defaults, only transport binding can stop it.
func LoadConfig(configDir string) (Config, bool) {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("name", "Vehicle Server")
	viper.SetDefault("description", "")
	viper.SetDefault("map", "/levels/smallgrid/info.json")
	viper.SetDefault("port", 3698)
	viper.SetDefault("tickrate", 30)
	viper.SetDefault("maxPlayers", 8)
	viper.SetDefault("maxVehiclesPerClient", 3)
	viper.SetDefault("showInServerList", false)
	viper.SetDefault("listingUrl", "")
	viper.SetDefault("modsDir", "./mods")
	viper.SetDefault("serverIdentifier", uuid.NewString())

	viper.SetConfigName("convoy.cfg")
	viper.SetConfigType("json")
	viper.AddConfigPath(configDir)

	loaded := viper.ReadInConfig() == nil

	return Config{
		LogLevel:             viper.GetString("logLevel"),
		Name:                 viper.GetString("name"),
		Description:          viper.GetString("description"),
		Map:                  viper.GetString("map"),
		Port:                 uint16(viper.GetUint32("port")),
		TickRate:             uint8(viper.GetUint32("tickrate")),
		MaxPlayers:           uint8(viper.GetUint32("maxPlayers")),
		MaxVehiclesPerClient: uint8(viper.GetUint32("maxVehiclesPerClient")),
		ShowInServerList:     viper.GetBool("showInServerList"),
		ListingURL:           viper.GetString("listingUrl"),
		ModsDir:              viper.GetString("modsDir"),
		Identifier:           viper.GetString("serverIdentifier"),
	}, loaded
}

package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/aoslee/mediasoup/mylog"
)

type AppConfig struct {
	LogPath string `yaml:"logPath" env:"SFU_LOG_PATH" env-default:"./main.log"`
	LogLv   int    `yaml:"logLv" env:"SFU_LOG_LV" env-default:"3"`

	// Bounds for the REMB feedback sent back to producers (bps). No package
	// reads these fields; WebrtcTransport takes its bounds from
	// SetMaxIncomingBitrate and SetMinIncomingBitrate.
	MaxIncomingBitrate uint64 `yaml:"maxIncomingBitrate" env:"SFU_MAX_INCOMING_BITRATE" env-default:"0"`
	MinIncomingBitrate uint64 `yaml:"minIncomingBitrate" env:"SFU_MIN_INCOMING_BITRATE" env-default:"1200000"`

	// Initial available outgoing bitrate (bps). No package reads this field;
	// a transport's available outgoing bitrate is 0 until
	// SetAvailableOutgoingBitrate is called.
	InitialAvailableOutgoingBitrate uint32 `yaml:"initialAvailableOutgoingBitrate" env:"SFU_INITIAL_OUTGOING_BITRATE" env-default:"600000"`
}

var G_Config *AppConfig

// Load reads the configuration from the optional YAML file and the
// environment, then initializes logging. Safe defaults apply when the file
// is absent.
func Load(configPath string) bool {
	G_Config = &AppConfig{}

	var err error
	if configPath != "" {
		err = cleanenv.ReadConfig(configPath, G_Config)
	} else {
		err = cleanenv.ReadEnv(G_Config)
	}

	if err != nil {
		fmt.Println("start config fail", err)
		G_Config = &AppConfig{
			LogPath:                         "./main.log",
			LogLv:                           3,
			MinIncomingBitrate:              1200000,
			InitialAvailableOutgoingBitrate: 600000,
		}
		mylog.Loginit(G_Config.LogPath, G_Config.LogLv)
		mylog.Logger.Errorf("init config fail err[%s]", err.Error())
		return false
	}

	mylog.Loginit(G_Config.LogPath, G_Config.LogLv)
	mylog.Logger.Infof("init config success config[%v]", *G_Config)
	return true
}

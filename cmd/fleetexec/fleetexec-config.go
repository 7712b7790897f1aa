package main

import (
	"github.com/andrej220/fleetexec/internal/credentials"
	"github.com/andrej220/fleetexec/internal/engine"
	"github.com/andrej220/fleetexec/internal/executor"
	"github.com/andrej220/fleetexec/internal/intake"
	"github.com/andrej220/fleetexec/internal/notify"
	"github.com/andrej220/fleetexec/internal/serverutil"
	pe "github.com/andrej220/fleetexec/pkg/executor"
	"github.com/andrej220/fleetexec/pkg/lg"
)

const (
	SERVICENAME    = "fleetexec"
	CONFIGFILENAME = "fleetexec.yaml"
	DEFAULTSERVER  = "http://localhost:8081"
)

const (
	storeMemory = "memory"
	storeSQLite = "sqlite3"
	storeMySQL  = "mysql"
	storeMongo  = "mongo"
)

type FleetexecConfig struct {
	Log    lg.Config               `yaml:"log"`
	Server serverutil.ServerConfig `yaml:"server"`

	Store struct {
		// Driver is one of memory, sqlite3, mysql or mongo.
		Driver   string `yaml:"driver"`
		DSN      string `yaml:"dsn"`
		MongoURI string `yaml:"mongoURI"`
		DBName   string `yaml:"dbName"`
	} `yaml:"store"`

	Engine engine.Config `yaml:"engine"`

	Inventory struct {
		File string `yaml:"file"`
	} `yaml:"inventory"`

	Credentials credentials.Config `yaml:"credentials"`

	SSH struct {
		KnownHostsFile  string `yaml:"knownHostsFile"`
		MaxCaptureBytes int    `yaml:"maxCaptureBytes"`
	} `yaml:"ssh"`
	WinRM      executor.WinRMConfig `yaml:"winrm"`
	Resilience pe.ResilienceConfig  `yaml:"resilience"`

	Notify struct {
		Kafka *notify.KafkaConfig `yaml:"kafka"`
		Redis *notify.RedisConfig `yaml:"redis"`
	} `yaml:"notify"`

	// Intake, when set, also accepts submissions from a Kafka topic.
	Intake *intake.Config `yaml:"intake"`
}

func NewFleetexecConfig() *FleetexecConfig {
	cfg := &FleetexecConfig{}
	cfg.Log.ServiceName = SERVICENAME
	cfg.Server = serverutil.DefaultServerConfig()
	cfg.Store.Driver = storeSQLite
	cfg.Store.DSN = "file:fleetexec.db?_busy_timeout=5000"
	cfg.Store.DBName = SERVICENAME
	cfg.Inventory.File = "inventory.yaml"
	return cfg
}

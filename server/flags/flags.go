// Package flags declares the server settings. Every flag can also be set
// with a WARDEN_ prefixed environment variable, WARDEN_LOG_LEVEL for
// log-level.
package flags

import (
	"strings"
	"time"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat = "log-format"
	LogLevel  = "log-level"
	LogSource = "log-source"
	Listen    = "listen"

	NodeSources = "node-sources"
	Store       = "store"
	StorePath   = "store-path"
	StoreDSN    = "store-dsn"

	MaxNodes        = "max-nodes"
	PingFrequency   = "ping-frequency"
	PingTimeout     = "ping-timeout"
	ClientTimeout   = "client-timeout"
	ReleaseTimeout  = "release-timeout"
	ReleaseWorkers  = "release-workers"
	ShutdownTimeout = "shutdown-timeout"
)

// Store kinds
const (
	StoreNone     = "none"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Register declares the server flags on flags and binds them to viper.
func Register(flags *flag.FlagSet) {
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.String(Listen, ":25374", "address of the health service")

	flags.String(NodeSources, "", "YAML file of the node sources to create at startup")
	flags.String(Store, StoreNone, "where recoverable node sources are persisted (none, file, postgres)")
	flags.String(StorePath, "/var/lib/warden/state.yaml", "state file of the file store")
	flags.String(StoreDSN, "", "connection string of the postgres store")

	flags.Int(MaxNodes, 0, "maximum number of registered nodes, 0 for unlimited")
	flags.Duration(PingFrequency, 45*time.Second, "default health check interval of node sources")
	flags.Duration(PingTimeout, 10*time.Second, "timeout of a single health check")
	flags.Duration(ClientTimeout, 2*time.Minute, "how long a silent client keeps its nodes, 0 to disable")
	flags.Duration(ReleaseTimeout, time.Minute, "timeout of a node release")
	flags.Int(ReleaseWorkers, 4, "number of concurrent node releases")
	flags.Duration(ShutdownTimeout, 2*time.Minute, "how long to wait for node sources to shut down")

	viper.SetEnvPrefix("warden")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}

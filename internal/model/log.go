package model

// LogLevel is the classified severity of a captured log line.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogSource identifies what produced a LogMessage.
type LogSource string

const (
	SourceContainer LogSource = "container"
	SourceSystem    LogSource = "system"
	SourceManager   LogSource = "manager"
)

// LogMessage is one line captured from a container stream or emitted by
// the agent itself, as handed to every configured backend.
type LogMessage struct {
	ID          string
	Message     string
	Timestamp   int64 // epoch ms
	Level       LogLevel
	Source      LogSource
	ServiceID   int // appId*1000 + offset; zero when Source != container
	ServiceName string
	ContainerID string
	IsStdErr    bool
	IsSystem    bool
}

// EncodeServiceID packs an (appId, offset) pair the way the cloud expects
// it on the wire: appId*1000 + offset.
func EncodeServiceID(appID, offset int) int {
	return appID*1000 + offset
}

package config

const (
	defaultDataDir     = "~/.local/share/dopcast"
	defaultArtifactDir = "~/.local/share/dopcast/artifacts"
	defaultLogDir      = "~/.local/share/dopcast/logs"
	defaultSocketPath  = "~/.local/share/dopcast/dopcastd.sock"
	defaultAPIBind     = "127.0.0.1:7823"

	defaultWorkerCount          = 2
	defaultPollInterval         = 2
	defaultErrorRetryInterval   = 5
	defaultStageTimeout         = 600
	defaultMaxAttempts          = 3
	defaultRetryBaseDelayMillis = 1000
	defaultHeartbeatInterval    = 15
	defaultHeartbeatTimeout     = 120

	defaultSchedulerTickInterval = 30

	defaultLLMBaseURL = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel   = "google/gemini-3-flash-preview"
	defaultLLMTimeout = 60

	defaultElevenLabsBaseURL = "https://api.elevenlabs.io/v1"
	defaultElevenLabsModel   = "eleven_multilingual_v2"
	defaultElevenLabsTimeout = 120

	defaultLogLevel  = "info"
	defaultLogFormat = "console"
)

// CatchUpFireOnce submits one run immediately when a fire time was missed.
const CatchUpFireOnce = "fire_once"

// CatchUpSkip advances past missed fire times without submitting a run.
const CatchUpSkip = "skip"

// Storage backends.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			ArtifactDir: defaultArtifactDir,
			LogDir:      defaultLogDir,
			SocketPath:  defaultSocketPath,
			APIBind:     defaultAPIBind,
		},
		Workflow: Workflow{
			WorkerCount:          defaultWorkerCount,
			PollInterval:         defaultPollInterval,
			ErrorRetryInterval:   defaultErrorRetryInterval,
			StageTimeout:         defaultStageTimeout,
			MaxAttempts:          defaultMaxAttempts,
			RetryBaseDelayMillis: defaultRetryBaseDelayMillis,
			HeartbeatInterval:    defaultHeartbeatInterval,
			HeartbeatTimeout:     defaultHeartbeatTimeout,
		},
		Scheduler: Scheduler{
			TickInterval:  defaultSchedulerTickInterval,
			CatchUpPolicy: CatchUpFireOnce,
		},
		LLM: LLM{
			BaseURL: defaultLLMBaseURL,
			Model:   defaultLLMModel,
			Timeout: defaultLLMTimeout,
		},
		ElevenLabs: ElevenLabs{
			BaseURL: defaultElevenLabsBaseURL,
			ModelID: defaultElevenLabsModel,
			Timeout: defaultElevenLabsTimeout,
		},
		Storage: Storage{
			Backend: BackendLocal,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}

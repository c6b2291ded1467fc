package config

const (
	defaultConfigPath               = "~/.config/upsrouter/config.toml"
	defaultDataDir                  = "~/.local/share/upsrouter"
	defaultServerBind               = "0.0.0.0:8000"
	defaultStoreDriver              = StoreDriverSQLite
	defaultSQLiteFile               = "ups.db"
	defaultModelURL                 = "http://breast-cancer-classification:5555"
	defaultInferenceTimeout         = 1000
	defaultDICOMwebBase             = "http://orthanc-viewer:8042/dicom-web"
	defaultRetrievalTimeout         = 30
	defaultUploadTimeout            = 10
	defaultMetadataCacheTTL         = 300
	defaultNotificationTimeout      = 5
	defaultNotificationMaxParallel  = 4
	defaultEventsSubjectPrefix      = "ups.workitems"
	defaultProcessorMaxConcurrent   = 8
	defaultProcessorShutdownTimeout = 30
	defaultAIName                   = "Breast Cancer Classification Model"
	defaultAlgorithmName            = "ResNet-50"
	defaultAlgorithmVersion         = "1.2.3"
	defaultLogFormat                = "console"
	defaultLogLevel                 = "info"
)

// Supported key-value backends.
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
		},
		Server: Server{
			Bind: defaultServerBind,
		},
		Store: Store{
			Driver: defaultStoreDriver,
		},
		Inference: Inference{
			ModelURL:       defaultModelURL,
			TimeoutSeconds: defaultInferenceTimeout,
		},
		DICOMweb: DICOMweb{
			DefaultBase:      defaultDICOMwebBase,
			RequestTimeout:   defaultRetrievalTimeout,
			UploadTimeout:    defaultUploadTimeout,
			MetadataCacheTTL: defaultMetadataCacheTTL,
		},
		Notifications: Notifications{
			TimeoutSeconds: defaultNotificationTimeout,
			MaxParallel:    defaultNotificationMaxParallel,
		},
		Events: Events{
			SubjectPrefix: defaultEventsSubjectPrefix,
		},
		Processor: Processor{
			MaxConcurrent:   defaultProcessorMaxConcurrent,
			ShutdownTimeout: defaultProcessorShutdownTimeout,
		},
		Artifacts: Artifacts{
			AIName:           defaultAIName,
			AlgorithmName:    defaultAlgorithmName,
			AlgorithmVersion: defaultAlgorithmVersion,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

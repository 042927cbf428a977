package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host          string
	Port          int
	InternalToken string
}

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type BusConfig struct {
	ConnectAttempts int
	ConnectBackoff  time.Duration
	SendRetries     int
	MaxMessageBytes int
	StreamMaxLen    int64
	BlockTimeout    time.Duration
	RawFramesTopic  string
	DetectionsTopic string
	ChecksTopic     string
	ProcessorGroup  string
	RecorderGroup   string
	EngineGroup     string
	ConsumerName    string
}

type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

type SMSConfig struct {
	GatewayURL string
	Token      string
}

type VisionConfig struct {
	VehicleModel        string
	PlateModel          string
	OCRLanguage         string
	ConfidenceThreshold float64
	OCRMinConfidence    float64
}

type SpeedConfig struct {
	SourcePoints  [4][2]float64
	RealLength    float64
	PatchWidth    float64
	TrackIdleMax  int
	ProcessorIdle time.Duration
}

type CaptureConfig struct {
	Decimation      int
	MaxFailures     int
	PersistEvery    int
	PollEvery       int
	LogEvery        int
	JPEGQuality     int
	StartAttempts   int
	StartRetryDelay time.Duration
}

type EnforcementConfig struct {
	DefaultSpeedLimit float64
	DefaultFine       float64
}

type ScheduleConfig struct {
	HealthInterval  time.Duration
	CleanupInterval time.Duration
	PatrolInterval  time.Duration
	OrphanGrace     time.Duration
	PatrolCacheTTL  time.Duration
	PatrolCache     string
	PatrolMaxLength time.Duration
}

type Config struct {
	Environment string
	Role        string
	HTTP        HTTPConfig
	DB          DBConfig
	Redis       RedisConfig
	Bus         BusConfig
	MQTT        MQTTConfig
	SMS         SMSConfig
	Vision      VisionConfig
	Speed       SpeedConfig
	Capture     CaptureConfig
	Enforcement EnforcementConfig
	Schedule    ScheduleConfig
}

var defaultSourcePoints = [4][2]float64{{500, 400}, {800, 400}, {1100, 700}, {200, 700}}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./deploy")
	v.AddConfigPath("./internal/config")

	v.AutomaticEnv()
	setDefaults(v)

	_ = v.ReadInConfig()

	points, err := parseSourcePoints(v.GetString("SPEED_SOURCE_POINTS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		Role:        strings.ToLower(v.GetString("APP_ROLE")),
		HTTP: HTTPConfig{
			Host:          v.GetString("HTTP_HOST"),
			Port:          v.GetInt("HTTP_PORT"),
			InternalToken: v.GetString("INTERNAL_TOKEN"),
		},
		DB: DBConfig{
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Bus: BusConfig{
			ConnectAttempts: v.GetInt("BUS_CONNECT_ATTEMPTS"),
			ConnectBackoff:  v.GetDuration("BUS_CONNECT_BACKOFF"),
			SendRetries:     v.GetInt("BUS_SEND_RETRIES"),
			MaxMessageBytes: v.GetInt("BUS_MAX_MESSAGE_BYTES"),
			StreamMaxLen:    v.GetInt64("BUS_STREAM_MAXLEN"),
			BlockTimeout:    v.GetDuration("BUS_BLOCK_TIMEOUT"),
			RawFramesTopic:  v.GetString("TOPIC_RAW_FRAMES"),
			DetectionsTopic: v.GetString("TOPIC_DETECTIONS"),
			ChecksTopic:     v.GetString("TOPIC_VIOLATION_CHECKS"),
			ProcessorGroup:  v.GetString("BUS_PROCESSOR_GROUP"),
			RecorderGroup:   v.GetString("BUS_RECORDER_GROUP"),
			EngineGroup:     v.GetString("BUS_ENGINE_GROUP"),
			ConsumerName:    v.GetString("BUS_CONSUMER_NAME"),
		},
		MQTT: MQTTConfig{
			Broker:      v.GetString("MQTT_BROKER"),
			ClientID:    v.GetString("MQTT_CLIENT_ID"),
			TopicPrefix: v.GetString("MQTT_TOPIC_PREFIX"),
		},
		SMS: SMSConfig{
			GatewayURL: v.GetString("SMS_GATEWAY_URL"),
			Token:      v.GetString("SMS_GATEWAY_TOKEN"),
		},
		Vision: VisionConfig{
			VehicleModel:        v.GetString("CV_VEHICLE_MODEL"),
			PlateModel:          v.GetString("CV_PLATE_MODEL"),
			OCRLanguage:         v.GetString("CV_OCR_LANGUAGE"),
			ConfidenceThreshold: v.GetFloat64("CV_CONFIDENCE_THRESHOLD"),
			OCRMinConfidence:    v.GetFloat64("CV_OCR_MIN_CONFIDENCE"),
		},
		Speed: SpeedConfig{
			SourcePoints:  points,
			RealLength:    v.GetFloat64("SPEED_REAL_LENGTH"),
			PatchWidth:    v.GetFloat64("SPEED_PATCH_WIDTH"),
			TrackIdleMax:  v.GetInt("SPEED_TRACK_IDLE_FRAMES"),
			ProcessorIdle: v.GetDuration("PIPELINE_PROCESSOR_IDLE"),
		},
		Capture: CaptureConfig{
			Decimation:      v.GetInt("CAPTURE_DECIMATION"),
			MaxFailures:     v.GetInt("CAPTURE_MAX_FAILURES"),
			PersistEvery:    v.GetInt("CAPTURE_PERSIST_EVERY"),
			PollEvery:       v.GetInt("CAPTURE_POLL_EVERY"),
			LogEvery:        v.GetInt("CAPTURE_LOG_EVERY"),
			JPEGQuality:     v.GetInt("CAPTURE_JPEG_QUALITY"),
			StartAttempts:   v.GetInt("CAPTURE_START_ATTEMPTS"),
			StartRetryDelay: v.GetDuration("CAPTURE_START_RETRY_DELAY"),
		},
		Enforcement: EnforcementConfig{
			DefaultSpeedLimit: v.GetFloat64("SPEED_LIMIT_DEFAULT"),
			DefaultFine:       v.GetFloat64("FINE_AMOUNT_DEFAULT"),
		},
		Schedule: ScheduleConfig{
			HealthInterval:  v.GetDuration("HEALTH_INTERVAL"),
			CleanupInterval: v.GetDuration("CLEANUP_INTERVAL"),
			PatrolInterval:  v.GetDuration("PATROL_CAP_INTERVAL"),
			OrphanGrace:     v.GetDuration("ORPHAN_GRACE"),
			PatrolCacheTTL:  v.GetDuration("PATROL_CACHE_TTL"),
			PatrolCache:     strings.ToLower(v.GetString("PATROL_CACHE_BACKEND")),
			PatrolMaxLength: v.GetDuration("PATROL_MAX_DURATION"),
		},
	}

	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Role == "" {
		cfg.Role = "all"
	}
	// Replicas must not share a consumer or MQTT identity: a shared consumer
	// name means a shared pending list, a shared client id means the broker
	// drops the older connection.
	if cfg.Bus.ConsumerName == "" {
		cfg.Bus.ConsumerName = instanceName()
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "traffic-enforcement-" + instanceName()
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// instanceName identifies this process among replicas: host name plus pid.
func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME", 30*time.Minute)

	v.SetDefault("BUS_CONNECT_ATTEMPTS", 10)
	v.SetDefault("BUS_CONNECT_BACKOFF", 5*time.Second)
	v.SetDefault("BUS_SEND_RETRIES", 3)
	v.SetDefault("BUS_MAX_MESSAGE_BYTES", 10*1024*1024)
	v.SetDefault("BUS_STREAM_MAXLEN", 10000)
	v.SetDefault("BUS_BLOCK_TIMEOUT", 5*time.Second)
	v.SetDefault("TOPIC_RAW_FRAMES", "raw_video_frames")
	v.SetDefault("TOPIC_DETECTIONS", "detection_events")
	v.SetDefault("TOPIC_VIOLATION_CHECKS", "violation_checks")
	v.SetDefault("BUS_PROCESSOR_GROUP", "frame_processor_group")
	v.SetDefault("BUS_RECORDER_GROUP", "detection_recorder_group")
	v.SetDefault("BUS_ENGINE_GROUP", "violation_engine_group")

	v.SetDefault("MQTT_TOPIC_PREFIX", "notifications")

	v.SetDefault("CV_VEHICLE_MODEL", "models/yolov8n.onnx")
	v.SetDefault("CV_PLATE_MODEL", "models/plate_yolov8.onnx")
	v.SetDefault("CV_OCR_LANGUAGE", "eng")
	v.SetDefault("CV_CONFIDENCE_THRESHOLD", 0.5)
	v.SetDefault("CV_OCR_MIN_CONFIDENCE", 0.4)

	v.SetDefault("SPEED_REAL_LENGTH", 30.0)
	v.SetDefault("SPEED_PATCH_WIDTH", 10.0)
	v.SetDefault("SPEED_TRACK_IDLE_FRAMES", 900)
	v.SetDefault("PIPELINE_PROCESSOR_IDLE", 5*time.Minute)

	v.SetDefault("CAPTURE_DECIMATION", 3)
	v.SetDefault("CAPTURE_MAX_FAILURES", 10)
	v.SetDefault("CAPTURE_PERSIST_EVERY", 30)
	v.SetDefault("CAPTURE_POLL_EVERY", 100)
	v.SetDefault("CAPTURE_LOG_EVERY", 300)
	v.SetDefault("CAPTURE_JPEG_QUALITY", 85)
	v.SetDefault("CAPTURE_START_ATTEMPTS", 3)
	v.SetDefault("CAPTURE_START_RETRY_DELAY", 60*time.Second)

	v.SetDefault("SPEED_LIMIT_DEFAULT", 60.0)
	v.SetDefault("FINE_AMOUNT_DEFAULT", 50.0)

	v.SetDefault("HEALTH_INTERVAL", 2*time.Minute)
	v.SetDefault("CLEANUP_INTERVAL", 30*time.Minute)
	v.SetDefault("PATROL_CAP_INTERVAL", 10*time.Minute)
	v.SetDefault("ORPHAN_GRACE", time.Hour)
	v.SetDefault("PATROL_CACHE_TTL", 60*time.Second)
	v.SetDefault("PATROL_CACHE_BACKEND", "memory")
	v.SetDefault("PATROL_MAX_DURATION", 12*time.Hour)
}

// parseSourcePoints reads "x1,y1;x2,y2;x3,y3;x4,y4" (TL, TR, BR, BL).
func parseSourcePoints(raw string) ([4][2]float64, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultSourcePoints, nil
	}

	var points [4][2]float64
	pairs := strings.Split(raw, ";")
	if len(pairs) != 4 {
		return points, fmt.Errorf("SPEED_SOURCE_POINTS must contain 4 points, got %d", len(pairs))
	}
	for i, pair := range pairs {
		xy := strings.Split(strings.TrimSpace(pair), ",")
		if len(xy) != 2 {
			return points, fmt.Errorf("SPEED_SOURCE_POINTS point %d is malformed: %q", i+1, pair)
		}
		for j, s := range xy {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return points, fmt.Errorf("SPEED_SOURCE_POINTS point %d: %w", i+1, err)
			}
			points[i][j] = f
		}
	}
	return points, nil
}

func validate(cfg *Config) error {
	if cfg.DB.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	switch cfg.Role {
	case "all", "ingest", "processor", "violations", "scheduler":
	default:
		return fmt.Errorf("APP_ROLE %q is not supported", cfg.Role)
	}
	switch cfg.Schedule.PatrolCache {
	case "memory", "redis":
	default:
		return fmt.Errorf("PATROL_CACHE_BACKEND %q is not supported", cfg.Schedule.PatrolCache)
	}
	if cfg.Capture.Decimation <= 0 {
		return fmt.Errorf("CAPTURE_DECIMATION must be positive")
	}
	if cfg.Speed.RealLength <= 0 {
		return fmt.Errorf("SPEED_REAL_LENGTH must be positive")
	}
	return nil
}

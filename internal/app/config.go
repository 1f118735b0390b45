package app

import (
	"time"

	"github.com/megamelange/melange-backend/internal/logger"
	"github.com/megamelange/melange-backend/internal/pipeline"
	"github.com/megamelange/melange-backend/internal/utils"
)

// Config gathers the env-driven knobs in one place. Provider keys and
// connection addresses stay inside their clients; this is wiring-level
// configuration only.
type Config struct {
	Port        string
	ProjectRoot string

	JobCleanupAge    time.Duration
	JobSweepInterval time.Duration
	JobStaleAfter    time.Duration

	SessionRetention time.Duration

	Transcoder pipeline.TranscoderConfig
}

func LoadConfig(log *logger.Logger) Config {
	cleanupHours := utils.GetEnvAsInt("JOB_CLEANUP_AGE_HOURS", 168, log)
	retentionDays := utils.GetEnvAsInt("SESSION_RETENTION_DAYS", 30, log)
	transcoderTimeout := utils.GetEnvAsInt("TRANSCODER_TIMEOUT_SECONDS", 300, log)

	return Config{
		Port:        utils.GetEnv("PORT", "8765", log),
		ProjectRoot: utils.GetEnv("MELANGE_PROJECT_ROOT", "", log),

		JobCleanupAge:    time.Duration(cleanupHours) * time.Hour,
		JobSweepInterval: utils.GetEnvAsDuration("JOB_SWEEP_INTERVAL", time.Hour, log),
		JobStaleAfter:    utils.GetEnvAsDuration("JOB_STALE_AFTER", 10*time.Minute, log),

		SessionRetention: time.Duration(retentionDays) * 24 * time.Hour,

		Transcoder: pipeline.TranscoderConfig{
			Bin:       utils.GetEnv("BLENDER_BIN", "blender", log),
			Script:    utils.GetEnv("TRANSCODER_SCRIPT", "scripts/obj_to_fbx.py", log),
			BaseScene: utils.GetEnv("TRANSCODER_BASE_SCENE", "", log),
			Timeout:   time.Duration(transcoderTimeout) * time.Second,
		},
	}
}

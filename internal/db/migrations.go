package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "pgcrypto";`,
	`CREATE TABLE IF NOT EXISTS drones (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		code VARCHAR(64) NOT NULL UNIQUE,
		name VARCHAR(255),
		speed_limit DOUBLE PRECISION,
		assigned_officer_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_drones_assigned_officer_id ON drones (assigned_officer_id);`,
	`CREATE TABLE IF NOT EXISTS gps_fixes (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		drone_id UUID NOT NULL REFERENCES drones(id) ON DELETE CASCADE,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		altitude DOUBLE PRECISION NOT NULL DEFAULT 0,
		recorded_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_gps_fixes_drone_recorded ON gps_fixes (drone_id, recorded_at DESC);`,
	`CREATE TABLE IF NOT EXISTS patrols (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		drone_id UUID NOT NULL REFERENCES drones(id) ON DELETE CASCADE,
		officer_id UUID,
		status VARCHAR(20) NOT NULL DEFAULT 'ACTIVE',
		start_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		end_time TIMESTAMPTZ,
		patrol_config JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_patrols_drone_status_start ON patrols (drone_id, status, start_time DESC);`,
	`CREATE TABLE IF NOT EXISTS stream_sessions (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		drone_id UUID NOT NULL REFERENCES drones(id) ON DELETE CASCADE,
		source_url VARCHAR(500) NOT NULL,
		resolution VARCHAR(20) NOT NULL DEFAULT '1920x1080',
		frame_rate INTEGER NOT NULL DEFAULT 30,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		state VARCHAR(20) NOT NULL DEFAULT 'STOPPED',
		active_run_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_stream_sessions_is_active ON stream_sessions (is_active);`,
	`CREATE TABLE IF NOT EXISTS session_runs (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		session_id UUID NOT NULL REFERENCES stream_sessions(id) ON DELETE CASCADE,
		start_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		end_time TIMESTAMPTZ,
		frames_processed BIGINT NOT NULL DEFAULT 0,
		output_topic VARCHAR(100) NOT NULL,
		patrol_id UUID REFERENCES patrols(id) ON DELETE SET NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_session_runs_session_start ON session_runs (session_id, start_time DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_session_runs_open ON session_runs (session_id) WHERE end_time IS NULL;`,
	`CREATE TABLE IF NOT EXISTS detections (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		drone_id UUID NOT NULL REFERENCES drones(id) ON DELETE CASCADE,
		drone_code VARCHAR(64) NOT NULL,
		run_id UUID REFERENCES session_runs(id) ON DELETE SET NULL,
		patrol_id UUID REFERENCES patrols(id) ON DELETE SET NULL,
		frame_number BIGINT NOT NULL,
		track_id INTEGER NOT NULL,
		detected_at TIMESTAMPTZ NOT NULL,
		vehicle_type VARCHAR(50) NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		box JSONB NOT NULL,
		license_plate VARCHAR(20),
		speed DOUBLE PRECISION,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		altitude DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_detections_key ON detections (run_id, frame_number, track_id);`,
	`CREATE INDEX IF NOT EXISTS idx_detections_drone_detected ON detections (drone_id, detected_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_detections_license_plate ON detections (license_plate);`,
	`CREATE TABLE IF NOT EXISTS violations (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		detection_id UUID NOT NULL UNIQUE REFERENCES detections(id) ON DELETE CASCADE,
		patrol_id UUID REFERENCES patrols(id) ON DELETE SET NULL,
		violation_type VARCHAR(50) NOT NULL DEFAULT 'SPEEDING',
		status VARCHAR(20) NOT NULL DEFAULT 'NEW',
		fine_amount NUMERIC(10,2) NOT NULL DEFAULT 0,
		description TEXT,
		evidence JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_status ON violations (status);`,
	`CREATE TABLE IF NOT EXISTS vehicle_registrations (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		license_plate VARCHAR(20) NOT NULL UNIQUE,
		owner_name VARCHAR(255) NOT NULL,
		owner_phone_number VARCHAR(20),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	// Evidence is written once with the violation row; only status may change.
	`CREATE OR REPLACE FUNCTION protect_violation_evidence()
	RETURNS TRIGGER AS $$
	BEGIN
		IF NEW.evidence IS DISTINCT FROM OLD.evidence THEN
			RAISE EXCEPTION 'violation evidence is immutable';
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql;`,
	`DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_violations_evidence_immutable') THEN
			CREATE TRIGGER trg_violations_evidence_immutable
				BEFORE UPDATE ON violations
				FOR EACH ROW
				EXECUTE PROCEDURE protect_violation_evidence();
		END IF;
	END
	$$;`,
	`CREATE OR REPLACE FUNCTION set_updated_at()
	RETURNS TRIGGER AS $$
	BEGIN
		NEW.updated_at = NOW();
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql;`,
	`DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_stream_sessions_updated_at') THEN
			CREATE TRIGGER trg_stream_sessions_updated_at
				BEFORE UPDATE ON stream_sessions
				FOR EACH ROW
				EXECUTE PROCEDURE set_updated_at();
		END IF;
	END
	$$;`,
	`DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_session_runs_updated_at') THEN
			CREATE TRIGGER trg_session_runs_updated_at
				BEFORE UPDATE ON session_runs
				FOR EACH ROW
				EXECUTE PROCEDURE set_updated_at();
		END IF;
	END
	$$;`,
	`DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_patrols_updated_at') THEN
			CREATE TRIGGER trg_patrols_updated_at
				BEFORE UPDATE ON patrols
				FOR EACH ROW
				EXECUTE PROCEDURE set_updated_at();
		END IF;
	END
	$$;`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

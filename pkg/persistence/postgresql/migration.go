package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Executions and their step DAG
			CREATE TABLE workflow_executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				organization_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('queued', 'running', 'waiting', 'completed', 'failed')),
				graph JSONB,
				connectors JSONB,
				max_attempts INT,
				input JSONB,
				error_message TEXT,
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_executions_org ON workflow_executions(organization_id);
			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);

			CREATE TABLE workflow_execution_steps (
				id VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL,
				workflow_id VARCHAR(255) NOT NULL,
				organization_id VARCHAR(255) NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'queued', 'running', 'waiting', 'completed', 'failed')),
				attempts INT NOT NULL DEFAULT 0,
				max_attempts INT,
				queued_at TIMESTAMP WITH TIME ZONE,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				input JSONB,
				output JSONB,
				error JSONB,
				deterministic_keys JSONB,
				resume_state JSONB,
				wait_until TIMESTAMP WITH TIME ZONE,
				metadata JSONB,
				logs JSONB,
				diagnostics JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (execution_id, node_id)
			);

			CREATE INDEX idx_workflow_execution_steps_execution ON workflow_execution_steps(execution_id);
			CREATE INDEX idx_workflow_execution_steps_waiting ON workflow_execution_steps(wait_until) WHERE status = 'waiting';

			CREATE TABLE workflow_execution_step_dependencies (
				execution_id VARCHAR(255) NOT NULL,
				step_id VARCHAR(255) NOT NULL REFERENCES workflow_execution_steps(id) ON DELETE CASCADE,
				depends_on_step_id VARCHAR(255) NOT NULL REFERENCES workflow_execution_steps(id) ON DELETE CASCADE,
				PRIMARY KEY (step_id, depends_on_step_id)
			);

			CREATE INDEX idx_workflow_execution_step_dependencies_execution ON workflow_execution_step_dependencies(execution_id);
		`,
		2: `
			-- Counters, organization quota state and audit
			CREATE TABLE engine_counters (
				key VARCHAR(512) PRIMARY KEY,
				value BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE organization_quota_counters (
				organization_id VARCHAR(255) PRIMARY KEY,
				running BIGINT NOT NULL DEFAULT 0,
				window_start_ms BIGINT NOT NULL DEFAULT 0,
				window_count BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE organization_usage_snapshots (
				organization_id VARCHAR(255) PRIMARY KEY,
				running BIGINT NOT NULL,
				window_start_ms BIGINT NOT NULL,
				window_count BIGINT NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE execution_quota_audit (
				id VARCHAR(255) PRIMARY KEY,
				organization_id VARCHAR(255) NOT NULL,
				execution_id VARCHAR(255),
				reason VARCHAR(50) NOT NULL,
				limit_value BIGINT NOT NULL,
				current_value BIGINT NOT NULL,
				details JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_execution_quota_audit_org ON execution_quota_audit(organization_id, created_at DESC);
		`,
		3: `
			-- Idempotent step results and dead letters
			CREATE TABLE step_idempotency_records (
				execution_id VARCHAR(255) NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				idempotency_key VARCHAR(512) NOT NULL,
				result_hash VARCHAR(128) NOT NULL,
				result_data JSONB,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (execution_id, node_id, idempotency_key)
			);

			CREATE INDEX idx_step_idempotency_records_expires ON step_idempotency_records(expires_at);

			CREATE TABLE step_dead_letters (
				id VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL,
				step_id VARCHAR(255) NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				organization_id VARCHAR(255) NOT NULL,
				error_message TEXT NOT NULL,
				attempts INT NOT NULL,
				payload JSONB,
				auto_replay BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				replayed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_step_dead_letters_org ON step_dead_letters(organization_id);
			CREATE INDEX idx_step_dead_letters_execution ON step_dead_letters(execution_id);
		`,
	}
}

package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE rules (
				id VARCHAR(255) PRIMARY KEY,
				app_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				enabled BOOLEAN NOT NULL DEFAULT true,
				trigger_kind VARCHAR(50),
				definition JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_rules_app_id ON rules(app_id);
			CREATE INDEX idx_rules_trigger_kind ON rules(trigger_kind);
		`,
		2: `
			CREATE TABLE flow_executions (
				id VARCHAR(255) PRIMARY KEY,
				rule_id VARCHAR(255) NOT NULL,
				app_id VARCHAR(255) NOT NULL,
				event_id VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL CHECK (status IN ('Pending', 'Running', 'Completed', 'Failed', 'Cancelled')),
				state JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				archived_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_flow_executions_rule_id ON flow_executions(rule_id, created_at DESC);
			CREATE INDEX idx_flow_executions_status ON flow_executions(status);
		`,
	}
}

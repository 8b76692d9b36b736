package api

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// botConfigSchema constrains the user-supplied bot configuration map.
// Unknown extra keys are allowed; they ride along into the session and the
// post-call analysis untouched.
const botConfigSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"bot_prompt": {"type": "string"},
		"system_message": {"type": "string"},
		"video_mode": {"type": "string", "enum": ["static", "animated"]},
		"static_image": {"type": "string"},
		"animation_sprites": {"type": "array", "items": {"type": "string"}},
		"animation_frames_per_sprite": {"type": "integer", "minimum": 1},
		"process_insights": {"type": "boolean"},
		"interview_type": {"type": "string"},
		"participant_name": {"type": "string"},
		"analysis_prompt": {"type": "string"},
		"summary_format_prompt": {"type": "string"}
	}
}`

// compileBotConfigSchema compiles the embedded schema once at startup.
func compileBotConfigSchema() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(botConfigSchema), &doc); err != nil {
		return nil, fmt.Errorf("api: unmarshal bot config schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("bot_config.json", doc); err != nil {
		return nil, fmt.Errorf("api: add schema resource: %w", err)
	}
	schema, err := c.Compile("bot_config.json")
	if err != nil {
		return nil, fmt.Errorf("api: compile bot config schema: %w", err)
	}
	return schema, nil
}

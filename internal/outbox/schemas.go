package outbox

import "github.com/AdnanHimself/couple-steps-sub000/pkg/events"

const stepsUpsertedSchema = `{
  "type": "object",
  "title": "StepsUpserted",
  "properties": {
    "user_id": {"type": "string"},
    "date": {"type": "string", "format": "date"},
    "count": {"type": "integer", "minimum": 0},
    "updated_at": {"type": "string", "format": "date-time"}
  },
  "required": ["user_id", "date", "count", "updated_at"],
  "additionalProperties": false
}`

const challengeStatusChangedSchema = `{
  "type": "object",
  "title": "ChallengeStatusChanged",
  "properties": {
    "challenge_id": {"type": "string"},
    "user_id": {"type": "string"},
    "partner_id": {"type": "string"},
    "status": {"type": "string", "enum": ["active", "paused", "completed"]},
    "occurred_at": {"type": "string", "format": "date-time"},
    "completed_at": {"type": ["string", "null"], "format": "date-time"}
  },
  "required": ["challenge_id", "user_id", "status", "occurred_at"],
  "additionalProperties": false
}`

var schemaCatalog = map[string]string{
	events.TypeStepsUpserted:          stepsUpsertedSchema,
	events.TypeChallengeStatusChanged: challengeStatusChangedSchema,
}

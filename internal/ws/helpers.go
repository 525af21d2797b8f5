package ws

import "messaging-service/internal/models"

func envelope(eventType, ref string, data any) models.Envelope {
	env, err := models.NewEnvelope(eventType, ref, data)
	if err != nil {
		return models.Envelope{Type: models.EventError, Ref: ref}
	}
	return env
}

func errorEnvelope(ref, code, message string) models.Envelope {
	return envelope(models.EventError, ref, models.ErrorPayload{Code: code, Message: message})
}

/*
File: internal/api/relay_handlers.go
Description: HTTP handlers for server-originated notifications, push
address registration and service health.
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// Notifier emits a notification to an online identity.
type Notifier interface {
	Notify(target relay.Identity, payload relay.NotificationPayload) error
}

// PushAddressRegistrar records device push addresses.
type PushAddressRegistrar interface {
	AddPushAddress(identity relay.Identity, address string)
}

// ServiceInfo is returned by the info endpoint.
type ServiceInfo struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

// API holds the dependencies for the HTTP handlers.
type API struct {
	notifier  Notifier
	registrar PushAddressRegistrar
	info      ServiceInfo
	logger    zerolog.Logger
}

// NewAPI creates a new API handler.
func NewAPI(notifier Notifier, registrar PushAddressRegistrar, info ServiceInfo, logger zerolog.Logger) *API {
	return &API{
		notifier:  notifier,
		registrar: registrar,
		info:      info,
		logger:    logger.With().Str("component", "API").Logger(),
	}
}

type sendNotificationRequest struct {
	ToUserID            relay.Identity `json:"toUserId" validate:"required"`
	NotificationTitle   string         `json:"notificationTitle"`
	NotificationMessage string         `json:"notificationMessage" validate:"required"`
}

// SendNotificationHandler delivers a server notification to an online user.
// It answers 404 when the user has no live connection.
func (a *API) SendNotificationHandler(w http.ResponseWriter, r *http.Request) {
	var req sendNotificationRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		a.logger.Warn().Err(err).Msg("Invalid notification request.")
		writeDecodeError(w, err, "Invalid payload")
		return
	}

	log := a.logger.With().Str("recipient", req.ToUserID.String()).Logger()
	err := a.notifier.Notify(req.ToUserID, relay.NotificationPayload{
		From:                relay.ServerSender,
		NotificationTitle:   req.NotificationTitle,
		NotificationMessage: req.NotificationMessage,
	})
	switch {
	case errors.Is(err, relay.ErrRecipientOffline):
		log.Warn().Msg("Notification target offline.")
		WriteJSONError(w, http.StatusNotFound, "User not connected")
	case err != nil:
		log.Error().Err(err).Msg("Failed to send notification.")
		WriteJSONError(w, http.StatusInternalServerError, "Failed to send notification")
	default:
		log.Info().Msg("Notification sent.")
		WriteJSON(w, http.StatusOK, successResponse{Success: true})
	}
}

type registerTokenRequest struct {
	UserID    relay.Identity `json:"userId" validate:"required"`
	ExpoToken string         `json:"expoToken" validate:"required"`
}

// RegisterExpoTokenHandler adds a push address for a user.
func (a *API) RegisterExpoTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req registerTokenRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		a.logger.Warn().Err(err).Msg("Missing userId or expoToken in request.")
		writeDecodeError(w, err, "userId and expoToken are required")
		return
	}

	a.registrar.AddPushAddress(req.UserID, req.ExpoToken)
	WriteJSON(w, http.StatusOK, successResponse{Success: true})
}

// HealthHandler reports liveness.
func (a *API) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

// InfoHandler reports the service name and version.
func (a *API) InfoHandler(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, a.info)
}

// maxRequestBytes bounds every JSON request body.
const maxRequestBytes = 64 * 1024

func decodeAndValidate(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %w", relay.ErrInvalidRequest, err)
	}
	return relay.Validate(v)
}

// writeDecodeError answers 413 for oversized bodies and 400 with message
// for everything else.
func writeDecodeError(w http.ResponseWriter, err error, message string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteJSONError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	WriteJSONError(w, http.StatusBadRequest, message)
}

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/tgif-kitchen/api/internal/domain"
)

const maxRequestBodySize = 64 * 1024

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("request body is not valid JSON: %v", err)
	}
	return nil
}

func parseTimeParam(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339, raw)
}

func parseStatusFilters(values []string) ([]domain.OrderStatus, error) {
	var out []domain.OrderStatus
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			status := domain.OrderStatus(part)
			switch status {
			case domain.OrderStatusPending, domain.OrderStatusConfirmed, domain.OrderStatusCancelled,
				domain.OrderStatusReadyForCollection, domain.OrderStatusDelivered, domain.OrderStatusCollected:
				out = append(out, status)
			default:
				return nil, fmt.Errorf("unknown status %q", part)
			}
		}
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/whale-intel/internal/model"
)

// Helper functions for request parsing and responses

// queryOrDefault returns the query value or a default if not set
func queryOrDefault(q url.Values, key, defaultValue string) string {
	if value := q.Get(key); value != "" {
		return value
	}
	return defaultValue
}

// queryInt parses an integer query value or returns the default
func queryInt(q url.Values, key string, defaultValue int) (int, error) {
	value := q.Get(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, value)
	}
	return parsed, nil
}

// queryFloat parses a float query value or returns the default
func queryFloat(q url.Values, key string, defaultValue float64) (float64, error) {
	value := q.Get(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, value)
	}
	return parsed, nil
}

// queryTime parses an RFC3339 timestamp; absent values are nil
func queryTime(q url.Values, key string) (*time.Time, error) {
	value := q.Get(key)
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: want RFC3339", key)
	}
	return &parsed, nil
}

// parseTransactionQuery reads limit, offset, from, to and min_usd.
func parseTransactionQuery(q url.Values) (model.TransactionQuery, error) {
	var (
		out model.TransactionQuery
		err error
	)
	if out.Limit, err = queryInt(q, "limit", 0); err != nil {
		return out, err
	}
	if out.Offset, err = queryInt(q, "offset", 0); err != nil {
		return out, err
	}
	if out.FromDate, err = queryTime(q, "from"); err != nil {
		return out, err
	}
	if out.ToDate, err = queryTime(q, "to"); err != nil {
		return out, err
	}
	if out.MinUSDValue, err = queryFloat(q, "min_usd", 0); err != nil {
		return out, err
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Debugf("Failed to write response: %v", err)
	}
}

// errorResponse returns a formatted error body
func errorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	writeJSON(w, statusCode, map[string]any{
		"status": "error",
		"error":  errorMsg,
	})
}

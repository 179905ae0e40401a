// Package models defines the request and response types exchanged over the SalesPipe API.
package models

import (
	"fmt"
	"strings"
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusDuplicate indicates an inbound event was already processed.
	APIStatusDuplicate APIStatus = "duplicate"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Duplicate acknowledges an inbound event that was already handled.
func Duplicate() APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusDuplicate).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// ActivateTrialRequest asks the engine to start a customer's 24h trial.
type ActivateTrialRequest struct {
	Phone       string      `json:"phone"`
	Credentials Credentials `json:"credentials"`
}

// Validate checks the request before it reaches the engine.
func (r *ActivateTrialRequest) Validate() error {
	if strings.TrimSpace(r.Phone) == "" {
		return fmt.Errorf("%w: phone is required", ErrInvalidPhone)
	}
	if !r.Credentials.Complete() {
		return fmt.Errorf("%w: username, password and server_url are required", ErrMissingCredentials)
	}
	return nil
}

// ActivateSubscriptionRequest asks the engine to activate a paid plan.
type ActivateSubscriptionRequest struct {
	Phone       string      `json:"phone"`
	Plan        string      `json:"plan"`
	Credentials Credentials `json:"credentials"`
}

// Validate checks the request and normalises the plan name.
func (r *ActivateSubscriptionRequest) Validate() error {
	if strings.TrimSpace(r.Phone) == "" {
		return fmt.Errorf("%w: phone is required", ErrInvalidPhone)
	}
	plan, err := ParsePlan(r.Plan)
	if err != nil {
		return err
	}
	r.Plan = string(plan)
	if !r.Credentials.Complete() {
		return fmt.Errorf("%w: username, password and server_url are required", ErrMissingCredentials)
	}
	return nil
}

// SetStateRequest moves a customer to a state chosen by an admin.
type SetStateRequest struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// Validate checks that the target state exists.
func (r *SetStateRequest) Validate() error {
	_, err := ParseState(r.State)
	return err
}

// CustomerSummary is the admin listing view of a customer.
type CustomerSummary struct {
	Phone         string `json:"phone"`
	State         State  `json:"state"`
	Device        string `json:"device,omitempty"`
	NeedsHuman    bool   `json:"needs_human"`
	FollowUpsSent int    `json:"follow_ups_sent"`
	UpdatedAt     string `json:"updated_at"`
}

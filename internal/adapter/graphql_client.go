// Package adapter provides the marketplace data transports: a GraphQL
// client for request/response fetches and a graphql-ws subscription client
// for the push channel.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/market-sync/internal/errors"
)

// GraphQLClient issues GraphQL queries over HTTP POST
type GraphQLClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewGraphQLClient creates a GraphQL HTTP client
func NewGraphQLClient(endpoint string, timeout time.Duration) *GraphQLClient {
	return &GraphQLClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

// Query executes a query and decodes the data field into out. Transport and
// server-side errors both come back categorized as transport failures so
// callers can treat them as retryable.
func (c *GraphQLClient) Query(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return errors.NewInternalError("failed to encode graphql request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.NewInternalError("failed to build graphql request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.NewTransportError("fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return errors.NewTransportError("fetch", fmt.Errorf("graphql endpoint returned status %d", resp.StatusCode))
	}

	var gqlResp graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gqlResp); err != nil {
		return errors.NewTransportError("fetch", fmt.Errorf("failed to decode graphql response: %w", err))
	}
	if len(gqlResp.Errors) > 0 {
		return errors.NewTransportError("fetch", fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message))
	}

	if err := json.Unmarshal(gqlResp.Data, out); err != nil {
		return errors.NewTransportError("fetch", fmt.Errorf("failed to decode graphql data: %w", err))
	}
	return nil
}

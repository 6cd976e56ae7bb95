package gmail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"harvest-backend/internal/mailbox/domain"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const user = "me"

// Config holds the OAuth client and pacing settings
type Config struct {
	ClientID          string
	ClientSecret      string
	RedirectURI       string
	RequestsPerSecond float64
	// FetchConcurrency bounds parallel message gets within one page
	FetchConcurrency int

	// Endpoint and TokenURL override Google's defaults
	Endpoint   string
	TokenURL   string
	HTTPClient *http.Client
}

// Client talks to Google's OAuth and Gmail endpoints on behalf of linked accounts
type Client struct {
	oauth       *oauth2.Config
	limiter     *rate.Limiter
	endpoint    string
	httpClient  *http.Client
	concurrency int
}

func NewClient(cfg Config) *Client {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint = oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	concurrency := cfg.FetchConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint:     endpoint,
			Scopes:       []string{gmail.GmailReadonlyScope},
		},
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		endpoint:    cfg.Endpoint,
		httpClient:  cfg.HTTPClient,
		concurrency: concurrency,
	}
}

// AuthCodeURL is where the owner is sent to grant offline mailbox access
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	if c.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	return ctx
}

// Exchange trades an authorization code for tokens
func (c *Client) Exchange(ctx context.Context, code string) (*domain.Token, error) {
	tok, err := c.oauth.Exchange(c.withHTTPClient(ctx), code)
	if err != nil {
		return nil, mapTokenError(err)
	}
	return convertToken(tok), nil
}

// Refresh obtains a new access token from a refresh token. The returned
// RefreshToken is the rotated one when the provider issued a new token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*domain.Token, error) {
	src := c.oauth.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, mapTokenError(err)
	}
	return convertToken(tok), nil
}

func convertToken(tok *oauth2.Token) *domain.Token {
	return &domain.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}

// mapTokenError separates a refused grant from transient failures
func mapTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" {
			return fmt.Errorf("%w: %s", domain.ErrRefreshRejected, re.ErrorCode)
		}
		if re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			return fmt.Errorf("%w: token endpoint returned %d", domain.ErrRefreshRejected, re.Response.StatusCode)
		}
	}
	return fmt.Errorf("token endpoint: %w", err)
}

// service creates a Gmail service authorized with the access token
func (c *Client) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	client := oauth2.NewClient(c.withHTTPClient(ctx), src)

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	srv, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return srv, nil
}

// ProfileEmail returns the address of the authorized mailbox
func (c *Client) ProfileEmail(ctx context.Context, accessToken string) (string, error) {
	srv, err := c.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	profile, err := srv.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return "", mapAPIError(err)
	}
	return profile.EmailAddress, nil
}

// ListMessages lists one page and fetches every message on it in raw form
func (c *Client) ListMessages(ctx context.Context, accessToken string, req domain.ListRequest) (*domain.MessagePage, error) {
	srv, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 500 {
		pageSize = 500 // Gmail API maximum
	}

	listQuery := srv.Users.Messages.List(user).MaxResults(pageSize).Context(ctx)
	if req.Query != "" {
		listQuery = listQuery.Q(req.Query)
	}
	if req.PageToken != "" {
		listQuery = listQuery.PageToken(req.PageToken)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := listQuery.Do()
	if err != nil {
		return nil, mapAPIError(err)
	}

	// Fetch in parallel; a single failure fails the page so it is retried whole
	messages := make([]domain.Message, len(resp.Messages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, ref := range resp.Messages {
		g.Go(func() error {
			if err := c.limiter.Wait(gctx); err != nil {
				return err
			}
			full, err := srv.Users.Messages.Get(user, ref.Id).Format("raw").Context(gctx).Do()
			if err != nil {
				return mapAPIError(err)
			}
			msg, err := convertRawMessage(full)
			if err != nil {
				return fmt.Errorf("message %s: %w", ref.Id, err)
			}
			messages[i] = *msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &domain.MessagePage{Messages: messages, NextPageToken: resp.NextPageToken}, nil
}

// Watch sets up push notifications for the user's mailbox
func (c *Client) Watch(ctx context.Context, accessToken, topicName string) error {
	srv, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}

	// Try to stop any existing watch first to avoid "Only one user push notification client allowed" error
	_ = srv.Users.Stop(user).Context(ctx).Do()

	req := &gmail.WatchRequest{
		TopicName: topicName,
		LabelIds:  []string{"INBOX"},
	}
	resp, err := srv.Users.Watch(user, req).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to watch mailbox: %w", mapAPIError(err))
	}
	log.Printf("[Gmail] Watch started. Expiration: %d, HistoryId: %d", resp.Expiration, resp.HistoryId)
	return nil
}

// mapAPIError turns quota and auth failures into mailbox domain errors
func mapAPIError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}

	switch gerr.Code {
	case http.StatusTooManyRequests:
		return &domain.ThrottleError{RetryAfter: retryAfter(gerr.Header), Err: err}
	case http.StatusForbidden:
		for _, item := range gerr.Errors {
			if strings.Contains(item.Reason, "RateLimitExceeded") || item.Reason == "rateLimitExceeded" {
				return &domain.ThrottleError{RetryAfter: retryAfter(gerr.Header), Err: err}
			}
		}
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	return err
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

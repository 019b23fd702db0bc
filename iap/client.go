// Copyright 2026 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package iap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v4"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderPlatform  = "X-Platform"

	defaultTokenExpiry = 5 * time.Minute
)

var (
	ErrEmptyURL          = errors.New("'url' must not be empty")
	ErrEmptySharedSecret = errors.New("'shared secret' must not be empty")
	ErrEmptyAppUserID    = errors.New("'app user id' must not be empty")
	ErrEmptyReceipt      = errors.New("'receipt' must not be empty")
	ErrEmptyProductID    = errors.New("'product id' must not be empty")
	ErrMissingSubscriber = errors.New("response did not contain a subscriber")
)

// ValidationError is returned when the backend answered but refused the request,
// either with a non-2xx status or with attribute errors in a 2xx body.
type ValidationError struct {
	StatusCode      int
	Code            int
	Message         string
	AttributeErrors []*AttributeError
	Payload         string
}

func (e *ValidationError) Error() string {
	msg := e.Message
	if msg == "" && len(e.AttributeErrors) > 0 {
		parts := make([]string, 0, len(e.AttributeErrors))
		for _, ae := range e.AttributeErrors {
			parts = append(parts, ae.KeyName+": "+ae.Message)
		}
		msg = strings.Join(parts, "; ")
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("backend refused request, status %d code %d: %s", e.StatusCode, e.Code, msg)
}

type Client struct {
	httpc       *resty.Client
	tokenExpiry time.Duration
	nowFn       func() time.Time

	sync.RWMutex
	sharedSecret string
}

func NewClient(baseURL, sharedSecret string, timeout, tokenExpiry time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, ErrEmptyURL
	}
	if sharedSecret == "" {
		return nil, ErrEmptySharedSecret
	}
	if tokenExpiry <= 0 {
		tokenExpiry = defaultTokenExpiry
	}

	httpc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", CONTENT_TYPE_APP_JSON).
		SetHeader(HeaderPlatform, "go")

	return &Client{
		httpc:        httpc,
		tokenExpiry:  tokenExpiry,
		nowFn:        time.Now,
		sharedSecret: sharedSecret,
	}, nil
}

// SetSharedSecret Replaces the credential used to sign subsequent requests.
func (c *Client) SetSharedSecret(sharedSecret string) error {
	if sharedSecret == "" {
		return ErrEmptySharedSecret
	}
	c.Lock()
	c.sharedSecret = sharedSecret
	c.Unlock()
	return nil
}

// PostReceipt Submits a receipt for verification and returns the updated subscriber record.
func (c *Client) PostReceipt(ctx context.Context, req *ReceiptRequest) (*SubscriberResponse, error) {
	if req.AppUserID == "" {
		return nil, ErrEmptyAppUserID
	}
	if req.FetchToken == "" {
		return nil, ErrEmptyReceipt
	}
	if req.ProductID == "" {
		return nil, ErrEmptyProductID
	}

	r, err := c.request(ctx, req.AppUserID)
	if err != nil {
		return nil, err
	}
	resp, err := r.
		SetHeader("Content-Type", CONTENT_TYPE_APP_JSON).
		SetBody(req).
		SetResult(&SubscriberResponse{}).
		SetError(&ErrorResponse{}).
		Post(receiptsPath)
	if err != nil {
		return nil, err
	}
	return subscriberResult(resp)
}

// GetSubscriber Fetches the current subscriber record without submitting a receipt.
func (c *Client) GetSubscriber(ctx context.Context, appUserID string) (*SubscriberResponse, error) {
	if appUserID == "" {
		return nil, ErrEmptyAppUserID
	}

	r, err := c.request(ctx, appUserID)
	if err != nil {
		return nil, err
	}
	resp, err := r.
		SetPathParam("app_user_id", appUserID).
		SetResult(&SubscriberResponse{}).
		SetError(&ErrorResponse{}).
		Get(subscribersPath)
	if err != nil {
		return nil, err
	}
	return subscriberResult(resp)
}

// GetProducts Resolves product metadata for the given identifiers. Unknown identifiers are omitted.
func (c *Client) GetProducts(ctx context.Context, appUserID string, ids []string) (*ProductsResponse, error) {
	if appUserID == "" {
		return nil, ErrEmptyAppUserID
	}

	r, err := c.request(ctx, appUserID)
	if err != nil {
		return nil, err
	}
	resp, err := r.
		SetQueryParamsFromValues(url.Values{"identifier": ids}).
		SetResult(&ProductsResponse{}).
		SetError(&ErrorResponse{}).
		Get(productsPath)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, validationError(resp)
	}
	return resp.Result().(*ProductsResponse), nil
}

func (c *Client) request(ctx context.Context, appUserID string) (*resty.Request, error) {
	token, err := c.signToken(appUserID)
	if err != nil {
		return nil, err
	}
	return c.httpc.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader(HeaderRequestID, uuid.Must(uuid.NewV4()).String()), nil
}

func (c *Client) signToken(appUserID string) (string, error) {
	c.RLock()
	secret := c.sharedSecret
	c.RUnlock()

	now := c.nowFn()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   appUserID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenExpiry)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("error signing backend token: %w", err)
	}
	return signed, nil
}

func subscriberResult(resp *resty.Response) (*SubscriberResponse, error) {
	if resp.IsError() {
		return nil, validationError(resp)
	}

	out, ok := resp.Result().(*SubscriberResponse)
	if !ok || out == nil {
		return nil, ErrMissingSubscriber
	}
	if len(out.AttributeErrors) > 0 {
		return nil, &ValidationError{
			StatusCode:      resp.StatusCode(),
			AttributeErrors: out.AttributeErrors,
			Payload:         string(resp.Body()),
		}
	}
	if out.Subscriber == nil {
		return nil, ErrMissingSubscriber
	}
	if out.RequestDate.IsZero() && out.RequestDateMs > 0 {
		out.RequestDate = time.UnixMilli(out.RequestDateMs).UTC()
	}
	if out.RequestDate.IsZero() {
		// Fall back to the server clock from the HTTP response.
		if date, err := http.ParseTime(resp.Header().Get("Date")); err == nil {
			out.RequestDate = date.UTC()
		}
	}
	return out, nil
}

func validationError(resp *resty.Response) *ValidationError {
	vErr := &ValidationError{
		StatusCode: resp.StatusCode(),
		Payload:    string(resp.Body()),
	}
	if errResp, ok := resp.Error().(*ErrorResponse); ok && errResp != nil {
		vErr.Code = errResp.Code
		vErr.Message = errResp.Message
		vErr.AttributeErrors = errResp.AttributeErrors
	}
	return vErr
}

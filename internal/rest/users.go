package rest

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/pmelo/clipchat/internal/model"
)

// GetMyDetails resolves the profile of the authenticated user,
// including the user-detail id that names the push queues.
func (c *Client) GetMyDetails(ctx context.Context) (model.UserDetail, error) {
	var out model.UserDetail
	resp, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.Get("/user-details/me")
	})
	if err != nil {
		return out, err
	}
	if err := checkStatus(resp); err != nil {
		return out, fmt.Errorf("get my details: %w", err)
	}
	out, err = decodeEnvelope[model.UserDetail](resp.Body())
	if err != nil {
		return out, fmt.Errorf("get my details: %w", err)
	}
	return out, nil
}

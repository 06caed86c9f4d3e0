package rest

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-resty/resty/v2"

	"github.com/pmelo/clipchat/internal/model"
)

// ConversationRequest is the payload for creating or updating a
// conversation.
type ConversationRequest struct {
	ParticipantIDs   []string `json:"participantIds"`
	ConversationType string   `json:"conversationType"`
	ConversationName string   `json:"conversationName,omitempty"`
}

// ListMyConversations fetches one page of the caller's conversations,
// newest activity first.
func (c *Client) ListMyConversations(ctx context.Context, page, size int) (model.Page[model.Conversation], error) {
	var out model.Page[model.Conversation]
	resp, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetQueryParam("page", strconv.Itoa(page)).
			SetQueryParam("size", strconv.Itoa(size)).
			Get("/conversations/me")
	})
	if err != nil {
		return out, err
	}
	if err := checkStatus(resp); err != nil {
		return out, fmt.Errorf("list conversations: %w", err)
	}
	out, err = decodeEnvelope[model.Page[model.Conversation]](resp.Body())
	if err != nil {
		return out, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

func (c *Client) CreateConversation(ctx context.Context, in ConversationRequest) (model.Conversation, error) {
	var out model.Conversation
	resp, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetBody(in).Post("/conversations")
	})
	if err != nil {
		return out, err
	}
	if err := checkStatus(resp); err != nil {
		return out, fmt.Errorf("create conversation: %w", err)
	}
	out, err = decodeEnvelope[model.Conversation](resp.Body())
	if err != nil {
		return out, fmt.Errorf("create conversation: %w", err)
	}
	return out, nil
}

func (c *Client) UpdateConversation(ctx context.Context, conversationID string, in ConversationRequest) (model.Conversation, error) {
	var out model.Conversation
	resp, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetBody(in).Put("/conversations/" + conversationID)
	})
	if err != nil {
		return out, err
	}
	if err := checkStatus(resp); err != nil {
		return out, fmt.Errorf("update conversation: %w", err)
	}
	out, err = decodeEnvelope[model.Conversation](resp.Body())
	if err != nil {
		return out, fmt.Errorf("update conversation: %w", err)
	}
	return out, nil
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	resp, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.Delete("/conversations/" + conversationID)
	})
	if err != nil {
		return err
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (c *Client) AddMember(ctx context.Context, conversationID, participantID string) error {
	resp, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.Post("/conversations/" + conversationID + "/members/" + participantID)
	})
	if err != nil {
		return err
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (c *Client) RemoveMember(ctx context.Context, conversationID, participantID string) error {
	resp, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.Delete("/conversations/" + conversationID + "/members/" + participantID)
	})
	if err != nil {
		return err
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

package rest

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-resty/resty/v2"

	"github.com/pmelo/clipchat/internal/model"
)

type directMessageRequest struct {
	Message    string `json:"message"`
	ReceiverID string `json:"receiverId"`
}

type groupMessageRequest struct {
	Message string `json:"message"`
	GroupID string `json:"groupId"`
}

type editMessageRequest struct {
	Message string `json:"message"`
}

// ListConversationMessages fetches one page of a conversation's
// history, newest first.
func (c *Client) ListConversationMessages(ctx context.Context, conversationID string, page, size int) (model.Page[model.Message], error) {
	var out model.Page[model.Message]
	resp, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetQueryParam("page", strconv.Itoa(page)).
			SetQueryParam("size", strconv.Itoa(size)).
			Get("/chat-messages/conversation/" + conversationID)
	})
	if err != nil {
		return out, err
	}
	if err := checkStatus(resp); err != nil {
		return out, fmt.Errorf("list messages: %w", err)
	}
	out, err = decodeEnvelope[model.Page[model.Message]](resp.Body())
	if err != nil {
		return out, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (c *Client) SendDirectMessage(ctx context.Context, receiverID, text string) (model.Message, error) {
	var out model.Message
	resp, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetBody(directMessageRequest{Message: text, ReceiverID: receiverID}).
			Post("/chat-messages")
	})
	if err != nil {
		return out, err
	}
	if err := checkStatus(resp); err != nil {
		return out, fmt.Errorf("send direct message: %w", err)
	}
	out, err = decodeEnvelope[model.Message](resp.Body())
	if err != nil {
		return out, fmt.Errorf("send direct message: %w", err)
	}
	return out, nil
}

func (c *Client) SendGroupMessage(ctx context.Context, groupID, text string) (model.Message, error) {
	var out model.Message
	resp, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetBody(groupMessageRequest{Message: text, GroupID: groupID}).
			Post("/chat-messages/group")
	})
	if err != nil {
		return out, err
	}
	if err := checkStatus(resp); err != nil {
		return out, fmt.Errorf("send group message: %w", err)
	}
	out, err = decodeEnvelope[model.Message](resp.Body())
	if err != nil {
		return out, fmt.Errorf("send group message: %w", err)
	}
	return out, nil
}

func (c *Client) UpdateMessage(ctx context.Context, messageID, text string) (model.Message, error) {
	var out model.Message
	resp, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetBody(editMessageRequest{Message: text}).
			Put("/chat-messages/" + messageID)
	})
	if err != nil {
		return out, err
	}
	if err := checkStatus(resp); err != nil {
		return out, fmt.Errorf("update message: %w", err)
	}
	out, err = decodeEnvelope[model.Message](resp.Body())
	if err != nil {
		return out, fmt.Errorf("update message: %w", err)
	}
	return out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	resp, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.Delete("/chat-messages/" + messageID)
	})
	if err != nil {
		return err
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// MarkMessageRead records the current user as a reader of one message.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	resp, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.Post("/chat-messages/" + messageID + "/read")
	})
	if err != nil {
		return err
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	return nil
}

// MarkConversationRead records the current user as a reader of every
// message in the conversation.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	resp, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.Post("/chat-messages/conversation/" + conversationID + "/read-all")
	})
	if err != nil {
		return err
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	return nil
}

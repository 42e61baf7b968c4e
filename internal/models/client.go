package models

import "time"

type Client struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *Client) HasName() bool {
	return c != nil && c.Name != ""
}

package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/xhad/docchat/internal/models"
)

func (c *Client) Login(ctx context.Context, username, password string) (models.Token, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	var token models.Token
	err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/api/auth/token",
		body:        []byte(form.Encode()),
		contentType: "application/x-www-form-urlencoded",
		resource:    "user",
	}, &token)
	return token, err
}

func (c *Client) Signup(ctx context.Context, username, password string) (models.User, error) {
	r, err := jsonRequest(http.MethodPost, "/api/auth/signup", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return models.User{}, err
	}
	r.auth = false
	r.resource = "user"

	var user models.User
	err = c.do(ctx, r, &user)
	return user, err
}

// Me returns the user owning the current token.
func (c *Client) Me(ctx context.Context) (models.User, error) {
	var user models.User
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/auth/me", auth: true, resource: "user"}, &user)
	return user, err
}

package volc

import "errors"

// ErrMissingCredentials means the Volcengine app id or access token was not
// configured. It is fatal at session or task creation and never retried.
var ErrMissingCredentials = errors.New("volc: missing app id or access token")

// Credentials authenticate every call against the Volcengine speech APIs.
// They are sent as the X-Api-App-Key / X-Api-Access-Key header pair.
type Credentials struct {
	AppID       string
	AccessToken string
}

func (c Credentials) Validate() error {
	if c.AppID == "" || c.AccessToken == "" {
		return ErrMissingCredentials
	}
	return nil
}

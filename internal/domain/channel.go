package domain

import "time"

// Channel is one platform-bound endpoint owned by a Connector. Type selects
// the adapter that speaks the platform's wire format.
type Channel struct {
	ID          string `json:"id" db:"id"`
	ConnectorID string `json:"connectorId" db:"connector_id"`
	Type        string `json:"type" db:"type"`
	Slug        string `json:"slug" db:"slug"`
	IsActive    bool   `json:"isActive" db:"is_active"`
	IsActivated bool   `json:"isActivated" db:"is_activated"`

	// Platform credentials. Which ones are used depends on Type.
	Token        string `json:"token,omitempty" db:"token"`
	AppID        string `json:"appId,omitempty" db:"app_id"`
	AppSecret    string `json:"appSecret,omitempty" db:"app_secret"`
	ClientID     string `json:"clientId,omitempty" db:"client_id"`
	ClientSecret string `json:"clientSecret,omitempty" db:"client_secret"`
	PhoneNumber  string `json:"phoneNumber,omitempty" db:"phone_number"`
	WebhookToken string `json:"webhookToken,omitempty" db:"webhook_token"`

	// WebhookURL is the public URL platforms push events to.
	WebhookURL  string    `json:"webhookUrl" db:"webhook_url"`
	Preferences StringMap `json:"preferences,omitempty" db:"preferences"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// Connector binds channels to one bot backend.
type Connector struct {
	ID           string    `json:"id" db:"id"`
	URL          string    `json:"url" db:"url"`
	IsTyping     bool      `json:"isTyping" db:"is_typing"`
	DefaultDelay *float64  `json:"defaultDelay,omitempty" db:"default_delay"`
	IsActive     bool      `json:"isActive" db:"is_active"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

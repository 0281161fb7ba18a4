package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Delivery channel names
const (
	ChannelImage  = "iiif-img"
	ChannelThumbs = "thumbs"
	ChannelFile   = "file"
	ChannelAV     = "iiif-av"
)

// AssetFamily is the broad media type of an asset
type AssetFamily string

const (
	FamilyImage     AssetFamily = "I"
	FamilyTimebased AssetFamily = "T"
	FamilyFile      AssetFamily = "F"
)

// AssetID identifies an asset as {customer}/{space}/{asset}
type AssetID struct {
	Customer int
	Space    int
	Asset    string
}

// NewAssetID creates an AssetID
func NewAssetID(customer, space int, asset string) AssetID {
	return AssetID{Customer: customer, Space: space, Asset: asset}
}

func (a AssetID) String() string {
	return fmt.Sprintf("%d/%d/%s", a.Customer, a.Space, a.Asset)
}

// ParseAssetID parses the "customer/space/asset" form produced by String.
func ParseAssetID(s string) (AssetID, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 || parts[2] == "" {
		return AssetID{}, fmt.Errorf("%w: %q", ErrInvalidAssetID, s)
	}
	customer, err := strconv.Atoi(parts[0])
	if err != nil {
		return AssetID{}, fmt.Errorf("%w: customer %q", ErrInvalidAssetID, parts[0])
	}
	space, err := strconv.Atoi(parts[1])
	if err != nil {
		return AssetID{}, fmt.Errorf("%w: space %q", ErrInvalidAssetID, parts[1])
	}
	return AssetID{Customer: customer, Space: space, Asset: parts[2]}, nil
}

// DeliveryChannel is a named capability assigned to an asset with its policy
type DeliveryChannel struct {
	Channel string `json:"channel"`
	Policy  string `json:"policy,omitempty"`
}

// Asset is the read-only asset record consulted when routing a request
type Asset struct {
	ID               AssetID           `json:"id"`
	Family           AssetFamily       `json:"family"`
	MediaType        string            `json:"media_type"`
	Width            int               `json:"width"`
	Height           int               `json:"height"`
	Duration         int64             `json:"duration"`
	Roles            []string          `json:"roles,omitempty"`
	MaxUnauthorised  int               `json:"max_unauthorised"`
	ForDelivery      bool              `json:"for_delivery"`
	DeliveryChannels []DeliveryChannel `json:"delivery_channels"`
	Origin           string            `json:"origin,omitempty"`
	Created          time.Time         `json:"created"`
}

// RequiresAuth returns true if the asset has roles
func (a *Asset) RequiresAuth() bool {
	return len(a.Roles) > 0
}

// HasDeliveryChannel reports whether the channel is assigned to the asset
func (a *Asset) HasDeliveryChannel(channel string) bool {
	for _, dc := range a.DeliveryChannels {
		if dc.Channel == channel {
			return true
		}
	}
	return false
}

// ParseRoles splits a comma or pipe separated role list, dropping blanks.
func ParseRoles(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '|' })
	roles := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			roles = append(roles, f)
		}
	}
	return roles
}

// Customer is a tenant with a numeric id and a url-friendly name
type Customer struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// SessionUser holds roles granted per customer
type SessionUser struct {
	ID      string           `json:"id"`
	Created time.Time        `json:"created"`
	Roles   map[int][]string `json:"roles"`
}

// HasAnyRole reports whether the user holds any of roles for the customer
func (u *SessionUser) HasAnyRole(customer int, roles []string) bool {
	for _, held := range u.Roles[customer] {
		for _, r := range roles {
			if held == r {
				return true
			}
		}
	}
	return false
}

// AuthToken is a session token, addressable by cookie id or bearer token
type AuthToken struct {
	ID            string    `json:"id"`
	CookieID      string    `json:"cookie_id"`
	BearerToken   string    `json:"bearer_token"`
	Customer      int       `json:"customer"`
	SessionUserID string    `json:"session_user_id"`
	Created       time.Time `json:"created"`
	Expires       time.Time `json:"expires"`
	LastChecked   time.Time `json:"last_checked"`
	TTL           int       `json:"ttl"`
}

// AuthService is a customer-level IIIF auth service that grants roles
type AuthService struct {
	ID                 string   `json:"id"`
	Customer           int      `json:"customer"`
	Name               string   `json:"name"`
	Profile            string   `json:"profile"`
	Label              string   `json:"label,omitempty"`
	Description        string   `json:"description,omitempty"`
	ConfirmLabel       string   `json:"confirm_label,omitempty"`
	FailureHeader      string   `json:"failure_header,omitempty"`
	FailureDescription string   `json:"failure_description,omitempty"`
	LoginURL           string   `json:"login_url,omitempty"`
	TTL                int      `json:"ttl"`
	Roles              []string `json:"roles"`
}

// CustomHeader is a customer-configured response header, optionally scoped to a space and/or role
type CustomHeader struct {
	ID       string `json:"id"`
	Customer int    `json:"customer"`
	Space    *int   `json:"space,omitempty"`
	Role     string `json:"role,omitempty"`
	Key      string `json:"key"`
	Value    string `json:"value"`
}

// OrchestrationResult is the outcome of ensuring an asset is available to the image server
type OrchestrationResult int

const (
	Orchestrated OrchestrationResult = iota
	OrchestrationNotFound
	OrchestrationError
)

func (r OrchestrationResult) String() string {
	switch r {
	case Orchestrated:
		return "orchestrated"
	case OrchestrationNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// ObjectInfo describes a stored blob
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	ETag         string
}

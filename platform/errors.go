package platform

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// Kind is the failure class of a platform call.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindForbidden
	KindTransient
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindTransient:
		return "transient"
	}
	return "unknown"
}

// Classify maps an error returned by discordgo to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return KindUnknown
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownMember:
			return KindNotFound
		case discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
			return KindForbidden
		}
	}
	if restErr.Response == nil {
		return KindUnknown
	}
	switch code := restErr.Response.StatusCode; {
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusForbidden:
		return KindForbidden
	case code == http.StatusTooManyRequests || code >= 500:
		return KindTransient
	}
	return KindUnknown
}

// IsNotFound reports whether the referenced message, channel or member no longer exists.
func IsNotFound(err error) bool { return Classify(err) == KindNotFound }

// IsForbidden reports whether the bot lacks access or permissions.
func IsForbidden(err error) bool { return Classify(err) == KindForbidden }

// IsUnknownChannel reports whether the channel itself is gone, as opposed to a message in it.
func IsUnknownChannel(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownChannel
}

// NewRESTError builds a RESTError the way discordgo reports API failures.
func NewRESTError(status, code int, message string) *discordgo.RESTError {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status, Status: http.StatusText(status)},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: message},
	}
}

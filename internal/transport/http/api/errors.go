package apihttp

import (
	"errors"
	"net/http"

	"autohub/internal/broker"

	"github.com/gin-gonic/gin"
)

// statusForError maps the shared error taxonomy onto HTTP status codes.
// Broker rejections and malformed broker responses are upstream faults, so
// they surface as 502; transport failures as 504.
func statusForError(err error) int {
	var (
		validationErr *broker.ValidationError
		expiredErr    *broker.SessionExpiredError
		authErr       *broker.AuthError
		initErr       *broker.SessionInitError
		brokerErr     *broker.BrokerError
		protocolErr   *broker.ProtocolError
		networkErr    *broker.NetworkError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrOrderNotFound), errors.Is(err, broker.ErrUnknownBroker):
		return http.StatusNotFound
	case errors.As(err, &expiredErr), errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &initErr), errors.As(err, &brokerErr), errors.As(err, &protocolErr):
		return http.StatusBadGateway
	case errors.As(err, &networkErr):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}

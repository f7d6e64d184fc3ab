package hacienda

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Dispositions reported in ind-estado.
const (
	DispositionReceived   = "recibido"
	DispositionProcessing = "procesando"
	DispositionAccepted   = "aceptado"
	DispositionRejected   = "rechazado"
	DispositionError      = "error"
)

// ErrUnavailable is returned when the authority could not be reached.
var ErrUnavailable = errors.New("authority unavailable")

// Party identifies an issuer or receiver.
type Party struct {
	TipoIdentificacion   string `json:"tipoIdentificacion"`
	NumeroIdentificacion string `json:"numeroIdentificacion"`
}

// Submission is the body of a reception request.
type Submission struct {
	Clave               string `json:"clave"`
	Fecha               string `json:"fecha"`
	Emisor              Party  `json:"emisor"`
	Receptor            *Party `json:"receptor,omitempty"`
	ConsecutivoReceptor string `json:"consecutivoReceptor,omitempty"`
	CallbackURL         string `json:"callbackUrl,omitempty"`
	ComprobanteXML      string `json:"comprobanteXml"`
}

// Status is the answer of a status query, and the body of a callback.
type Status struct {
	Clave        string `json:"clave"`
	Fecha        string `json:"fecha,omitempty"`
	IndEstado    string `json:"ind-estado"`
	RespuestaXML string `json:"respuesta-xml,omitempty"`
}

// Disposition returns ind-estado in lower case.
func (s *Status) Disposition() string {
	return strings.ToLower(strings.TrimSpace(s.IndEstado))
}

// HasResponse reports whether the authority attached its response message.
func (s *Status) HasResponse() bool {
	return s.RespuestaXML != ""
}

// Response decodes the attached response message.
func (s *Status) Response() ([]byte, error) {
	if s.RespuestaXML == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(s.RespuestaXML)
	if err != nil {
		return nil, fmt.Errorf("decoding respuesta-xml: %w", err)
	}
	return data, nil
}

// TokenResponse is the identity provider's answer.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	TokenType        string `json:"token_type,omitempty"`
}

// StatusError is an answer with an unexpected status code.
type StatusError struct {
	Code  int
	Cause string
	Body  string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("authority answered %d %s", e.Code, http.StatusText(e.Code))
	if e.Cause != "" {
		msg += ": " + e.Cause
	}
	return msg
}

// IsAuth reports a 401 or 403.
func (e *StatusError) IsAuth() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// IsStructural reports any other 4xx.
func (e *StatusError) IsStructural() bool {
	return e.Code >= 400 && e.Code < 500 && !e.IsAuth()
}

// IsServer reports a 5xx.
func (e *StatusError) IsServer() bool {
	return e.Code >= 500
}

// AsStatusError extracts a *StatusError from err.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

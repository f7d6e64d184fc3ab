package facturador

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/josiasmc/facturador-electronico-cr/internal/storage"
	"github.com/josiasmc/facturador-electronico-cr/pkg/clave"
	"github.com/josiasmc/facturador-electronico-cr/pkg/hacienda"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
)

const callbackIssuer = "facturador"

// CallbackTokens issues and resolves the token carried by the callback
// URL of a submission. The token names the record of the document: its
// direction followed by its row id, e.g. "E42". With a signing key the
// reference is wrapped in an HS256 JWT and plain references are refused.
type CallbackTokens struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewCallbackTokens creates a token issuer. An empty key issues plain
// references; a zero ttl issues tokens without expiry.
func NewCallbackTokens(key []byte, ttl time.Duration) *CallbackTokens {
	return &CallbackTokens{key: key, ttl: ttl}
}

func reference(dir reliability.Direction, id int64) string {
	return dir.String() + strconv.FormatInt(id, 10)
}

// Issue returns the token of a document record.
func (t *CallbackTokens) Issue(dir reliability.Direction, id int64) (string, error) {
	ref := reference(dir, id)
	if len(t.key) == 0 {
		return ref, nil
	}
	now := t.clock()
	claims := jwt.RegisteredClaims{
		Issuer:   callbackIssuer,
		Subject:  ref,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if t.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(t.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

// Resolve returns the direction and row id named by a token.
func (t *CallbackTokens) Resolve(token string) (reliability.Direction, int64, error) {
	ref := token
	if len(t.key) > 0 {
		var claims jwt.RegisteredClaims
		_, err := jwt.ParseWithClaims(token, &claims,
			func(*jwt.Token) (any, error) { return t.key, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(callbackIssuer),
			jwt.WithTimeFunc(t.clock),
		)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrInvalidCallbackToken, err)
		}
		ref = claims.Subject
	}

	if len(ref) < 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidCallbackToken, ref)
	}
	dir := reliability.Direction(strings.ToUpper(ref[:1])[0])
	if dir != reliability.Outbound && dir != reliability.Inbound {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidCallbackToken, ref)
	}
	id, err := strconv.ParseInt(ref[1:], 10, 64)
	if err != nil || id <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidCallbackToken, ref)
	}
	return dir, id, nil
}

func (t *CallbackTokens) clock() time.Time {
	if t.now == nil {
		return time.Now()
	}
	return t.now()
}

// CallbackResult is the disposition delivered by a callback.
type CallbackResult struct {
	Key       string                `json:"clave"`
	Direction reliability.Direction `json:"-"`
	// Status is the reported disposition; recibido and procesando are
	// reported as enviado.
	Status      string `json:"estado"`
	Message     string `json:"mensaje"`
	ResponseXML []byte `json:"-"`
}

// ProcessCallback applies a disposition posted by the authority. The token
// must name the stored record of the key in the body. When the body
// carries the response message it is archived and the document's state
// and message are updated.
func (e *Engine) ProcessCallback(ctx context.Context, body []byte, token string) (*CallbackResult, error) {
	var status hacienda.Status
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	key := status.Clave
	if len(key) > clave.Length {
		key = key[:clave.Length]
	}
	logger := e.logger.With(zap.String("clave", key))

	if token == "" {
		logger.Error("callback without token")
		return nil, fmt.Errorf("%w: missing", ErrInvalidCallbackToken)
	}
	dir, id, err := e.callbacks.Resolve(token)
	if err != nil {
		logger.Error("callback with invalid token", zap.Error(err))
		return nil, err
	}
	rec, err := e.store.GetDocumentByID(ctx, dir, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Error("callback token names no document", zap.String("direction", dir.String()), zap.Int64("id", id))
			return nil, fmt.Errorf("%w: no document %s%d", ErrInvalidCallbackToken, dir, id)
		}
		return nil, err
	}
	if rec.Key != key {
		logger.Error("callback token names another document", zap.String("direction", dir.String()), zap.Int64("id", id))
		return nil, fmt.Errorf("%w: %s%d is not %s", ErrInvalidCallbackToken, dir, id, key)
	}

	disposition := status.Disposition()
	if disposition == hacienda.DispositionReceived || disposition == hacienda.DispositionProcessing {
		disposition = "enviado"
	}
	result := &CallbackResult{Key: key, Direction: dir, Status: disposition}

	if !status.HasResponse() {
		logger.Debug("callback without response message", zap.String("ind_estado", disposition))
		return result, nil
	}
	xml, err := status.Response()
	if err != nil {
		return nil, err
	}
	d := e.fromRecord(rec)
	if err := d.saveResponse(ctx, xml); err != nil {
		return nil, err
	}
	result.Message = d.Message
	result.ResponseXML = xml
	return result, nil
}

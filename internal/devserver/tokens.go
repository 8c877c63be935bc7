package devserver

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidRoomToken = errors.New("devserver: invalid room token")

// RoomClaims identify the page a widget is embedded in: the channel it opens
// sessions on and the client id the room binds to.
type RoomClaims struct {
	Channel  string `json:"canal"`
	ClientID string `json:"cliId"`
	jwt.RegisteredClaims
}

// RoomTokens issues and checks the x-Token / x-Hash pair.
type RoomTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewRoomTokens(secret string, ttl time.Duration, now func() time.Time) *RoomTokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &RoomTokens{secret: []byte(secret), ttl: ttl, now: now}
}

// Issue signs a room token and returns it with its hash.
func (t *RoomTokens) Issue(channel, clientID string) (token, hash string, err error) {
	now := t.now()
	claims := RoomClaims{
		Channel:  channel,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", "", fmt.Errorf("devserver: sign room token: %w", err)
	}
	return token, t.hash(token), nil
}

// Verify checks the signature, expiry and hash binding of a pair.
func (t *RoomTokens) Verify(token, hash string) (RoomClaims, error) {
	if token == "" || hash != t.hash(token) {
		return RoomClaims{}, ErrInvalidRoomToken
	}
	var claims RoomClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil || !parsed.Valid {
		return RoomClaims{}, fmt.Errorf("%w: %v", ErrInvalidRoomToken, err)
	}
	if claims.Channel == "" {
		return RoomClaims{}, fmt.Errorf("%w: missing canal", ErrInvalidRoomToken)
	}
	return claims, nil
}

func (t *RoomTokens) hash(token string) string {
	sum := sha256.Sum256(append(append([]byte{}, t.secret...), token...))
	return hex.EncodeToString(sum[:16])
}

package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

var testPayload = []byte(`{"id":"evt_1","type":"payment_intent.succeeded","created":1700000000,"data":{"object":{"id":"pi_1","status":"succeeded","metadata":{"application_id":"42"}}}}`)

func TestConstructWebhookEvent_Valid(t *testing.T) {
	now := time.Now()
	header := SignatureHeader(testPayload, now.Unix(), testSecret)

	ev, err := constructWebhookEvent(testPayload, header, testSecret, DefaultSignatureTolerance, now)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "payment_intent.succeeded", ev.Type)

	pi, err := ev.Intent()
	require.NoError(t, err)
	assert.Equal(t, "pi_1", pi.ID)
	assert.Equal(t, "42", pi.Metadata["application_id"])
}

func TestConstructWebhookEvent_MissingSecretFailsClosed(t *testing.T) {
	header := SignatureHeader(testPayload, time.Now().Unix(), testSecret)

	_, err := ConstructWebhookEvent(testPayload, header, "")
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestConstructWebhookEvent_WrongSecret(t *testing.T) {
	now := time.Now()
	header := SignatureHeader(testPayload, now.Unix(), "whsec_other")

	_, err := constructWebhookEvent(testPayload, header, testSecret, DefaultSignatureTolerance, now)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestConstructWebhookEvent_TamperedPayload(t *testing.T) {
	now := time.Now()
	header := SignatureHeader(testPayload, now.Unix(), testSecret)
	tampered := append([]byte(nil), testPayload...)
	tampered[len(tampered)-2] = 'X'

	_, err := constructWebhookEvent(tampered, header, testSecret, DefaultSignatureTolerance, now)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestConstructWebhookEvent_StaleTimestamp(t *testing.T) {
	now := time.Now()
	old := now.Add(-10 * time.Minute)
	header := SignatureHeader(testPayload, old.Unix(), testSecret)

	_, err := constructWebhookEvent(testPayload, header, testSecret, DefaultSignatureTolerance, now)
	assert.ErrorIs(t, err, ErrSignatureExpired)
}

func TestConstructWebhookEvent_MalformedHeader(t *testing.T) {
	for _, header := range []string{"", "garbage", "t=abc,v1=00", "v1=00"} {
		_, err := constructWebhookEvent(testPayload, header, testSecret, DefaultSignatureTolerance, time.Now())
		assert.ErrorIs(t, err, ErrInvalidSignature, "header=%q", header)
	}
}

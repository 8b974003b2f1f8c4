package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndelligatta/trenches-mobile/internal/jupiter"
	"github.com/ndelligatta/trenches-mobile/internal/onchain"
)

func TestQuoteLogger_RendersHumanReadableAmounts(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	q := &quoteLogger{logger: logger, proceed: true}
	ok, err := q.Confirm(context.Background(), jupiter.Quote{
		InAmount:    "5000000",
		InputMint:   onchain.USDCMint.String(),
		OutAmount:   "123500000",
		OutputMint:  onchain.TrenchMint.String(),
		SlippageBps: 300,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	out := buf.String()
	assert.Contains(t, out, "5 "+onchain.USDCMint.String())
	assert.Contains(t, out, "123.5 "+onchain.TrenchMint.String())
	assert.NotContains(t, out, "5000000", "base units must not leak into the prompt")
}

func TestQuoteLogger_DryRunDeclines(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	q := &quoteLogger{logger: logger, proceed: false}
	ok, err := q.Confirm(context.Background(), jupiter.Quote{})
	require.NoError(t, err)
	assert.False(t, ok)
}

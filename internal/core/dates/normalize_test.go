package dates

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStrictDateIsMiddayUTC(t *testing.T) {
	got, err := Normalize("2024-06-15")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC), got)
}

func TestNormalizeRoundTripsAcrossOffsets(t *testing.T) {
	got, err := Normalize("2024-06-15")
	require.NoError(t, err)

	for offset := -12; offset <= 11; offset++ {
		loc := time.FixedZone(fmt.Sprintf("UTC%+d", offset), offset*3600)
		assert.Equal(t, "2024-06-15", Day(got, loc), "offset %d", offset)
	}
}

// Midday UTC is already the next day from UTC+12 eastward.
func TestNormalizeFarEastOffsetsRenderNextDay(t *testing.T) {
	got, err := Normalize("2024-06-15")
	require.NoError(t, err)

	for _, offset := range []int{12, 13, 14} {
		loc := time.FixedZone(fmt.Sprintf("UTC%+d", offset), offset*3600)
		assert.Equal(t, "2024-06-16", Day(got, loc), "offset %d", offset)
	}
	assert.Equal(t, "2024-06-15", Day(got, time.UTC))
}

func TestNormalizeRejectsImpossibleCalendarDates(t *testing.T) {
	for _, input := range []string{"2024-13-01", "2024-00-10", "2023-02-29", "2024-04-31", "2024-06-00"} {
		t.Run(input, func(t *testing.T) {
			_, err := Normalize(input)
			var parseErr *ParseError
			require.True(t, errors.As(err, &parseErr), "expected ParseError, got %v", err)
			assert.Equal(t, input, parseErr.Input)
			assert.NotEmpty(t, parseErr.Reason)
		})
	}
}

func TestNormalizeAcceptsLeapDay(t *testing.T) {
	got, err := Normalize("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, "2024-02-29", Day(got, time.UTC))
}

func TestNormalizeFallsBackForLegacyFormats(t *testing.T) {
	got, err := Normalize("2024-06-15T08:30:00Z")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, time.June, 15, 8, 30, 0, 0, time.UTC)))

	got, err = Normalize("June 15, 2024")
	require.NoError(t, err)
	assert.Equal(t, 2024, got.Year())
	assert.Equal(t, time.June, got.Month())
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "   ", "tomorrow", "2024-6-15", "15/06/2024x"} {
		_, err := Normalize(input)
		var parseErr *ParseError
		assert.True(t, errors.As(err, &parseErr), "input %q", input)
	}
}

func TestNextDay(t *testing.T) {
	assert.Equal(t, "2024-03-01", NextDay("2024-02-29"))
	assert.Equal(t, "2025-01-01", NextDay("2024-12-31"))
	assert.Equal(t, "junk", NextDay("junk"))
}

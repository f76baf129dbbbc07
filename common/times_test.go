package common

import (
	"testing"
	"time"
)

func GetTestTimestamp() time.Time {
	return time.Unix(int64(1594336370), int64(706917000))
}

func GetTestTimestampMillisecondPrecision() string {
	return "2020-07-09T23:12:50.706Z"
}

func TestFormatTimestamp(t *testing.T) {
	timestamp := GetTestTimestamp()
	expected := GetTestTimestampMillisecondPrecision()
	actual := FormatTimestamp(timestamp)
	if actual != expected {
		t.Errorf("unexpected timestamp: got '%s' instead of '%s'", actual, expected)
	}
}

func TestFormatTimestampConvertsToUTC(t *testing.T) {
	zone := time.FixedZone("MST", -7*60*60)
	actual := FormatTimestamp(GetTestTimestamp().In(zone))
	if actual != GetTestTimestampMillisecondPrecision() {
		t.Errorf("FormatTimestamp returned '%s' for a non-UTC time", actual)
	}
}

func TestParseTimestampRFC3339(t *testing.T) {
	original := GetTestTimestamp().Format(time.RFC3339)
	actual, err := ParseTimestamp(original)
	if err != nil {
		t.Fatalf("ParseTimestamp returned an error: %s", err.Error())
	}
	if actual.Unix() != GetTestTimestamp().Unix() {
		t.Errorf("ParseTimestamp returned '%s' for '%s'", actual, original)
	}
}

func TestParseTimestampRoundTrip(t *testing.T) {
	formatted := FormatTimestamp(GetTestTimestamp())
	actual, err := ParseTimestamp(formatted)
	if err != nil {
		t.Fatalf("ParseTimestamp returned an error: %s", err.Error())
	}
	if FormatTimestamp(actual) != formatted {
		t.Errorf("round trip produced '%s' instead of '%s'", FormatTimestamp(actual), formatted)
	}
}

func TestParseTimestampInvalid(t *testing.T) {
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Errorf("ParseTimestamp accepted an invalid timestamp")
	}
}

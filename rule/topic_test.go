package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileTopicPattern_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
	}{
		{"empty", ""},
		{"hash not last", "sensor/#/temp"},
		{"embedded plus", "sensor/a+b/temp"},
		{"embedded hash", "sensor/ab#"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := compileTopicPattern(test.pattern)
			assert.Error(t, err)
		})
	}
}

func TestTopicPattern_Match(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"sensor/42/temp", "sensor/42/temp", true},
		{"sensor/42/temp", "sensor/42/humidity", false},
		{"sensor/+/temp", "sensor/42/temp", true},
		{"sensor/+/temp", "sensor/42/43/temp", false},
		{"sensor/+/temp", "sensor/temp", false},
		{"sensor/#", "sensor/42/temp", true},
		{"sensor/#", "sensor", true},
		{"sensor/#", "actuator/42", false},
		{"#", "anything/at/all", true},
		{"+/status", "dev1/status", true},
		{"+/status", "dev1/sub/status", false},
		{"sensor/+/+", "sensor/42/temp", true},
	}

	for _, test := range tests {
		t.Run(test.pattern+"~"+test.topic, func(t *testing.T) {
			tp, err := compileTopicPattern(test.pattern)
			require.NoError(t, err)
			assert.Equal(t, test.want, tp.match(test.topic))
		})
	}
}

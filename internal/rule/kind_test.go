package rule

import "testing"

func TestParseKind(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Kind
	}{
		{
			name: "UseNot",
			text: "use ledcWrite not analogWrite",
			want: Kind{Type: KindBannedConstruct, Old: "analogWrite", New: "ledcWrite"},
		},
		{
			name: "UseNotWithComma",
			text: "use vTaskDelay, not delay",
			want: Kind{Type: KindBannedConstruct, Old: "delay", New: "vTaskDelay"},
		},
		{
			name: "InsteadOf",
			text: "use snprintf instead of sprintf",
			want: Kind{Type: KindBannedConstruct, Old: "sprintf", New: "snprintf"},
		},
		{
			name: "ReplaceWith",
			text: "replace analogWrite with ledcWrite",
			want: Kind{Type: KindBannedConstruct, Old: "analogWrite", New: "ledcWrite"},
		},
		{
			name: "ReasonPrefix",
			text: "ESP32 needs ledcWrite: use ledcWrite not analogWrite",
			want: Kind{Type: KindBannedConstruct, Old: "analogWrite", New: "ledcWrite"},
		},
		{
			name: "AvoidWithoutReplacement",
			text: "avoid dtostrf",
			want: Kind{Type: KindBannedConstruct, Old: "dtostrf"},
		},
		{
			name: "NeverUse",
			text: "never use delay",
			want: Kind{Type: KindBannedConstruct, Old: "delay"},
		},
		{
			name: "MustInclude",
			text: "motor code must include SAFETY_TIMEOUT",
			want: Kind{Type: KindRequiredConstruct, Pattern: "SAFETY_TIMEOUT"},
		},
		{
			name: "Requires",
			text: "servo control requires a watchdog",
			want: Kind{Type: KindRequiredConstruct, Pattern: "watchdog"},
		},
		{
			name: "FreeText",
			text: "keep functions short and focused",
			want: Kind{Type: KindFreeTextAdvisory},
		},
		{
			name: "SameOldAndNew",
			text: "use delay not delay",
			want: Kind{Type: KindFreeTextAdvisory},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseKind(tt.text)
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %+v, want %+v", tt.text, got, tt.want)
			}
		})
	}
}

func TestAutoFixable(t *testing.T) {
	if !(Kind{Type: KindBannedConstruct, Old: "a", New: "b"}).AutoFixable() {
		t.Error("Banned construct with replacement is fixable")
	}
	if (Kind{Type: KindBannedConstruct, Old: "a"}).AutoFixable() {
		t.Error("Banned construct without replacement is not fixable")
	}
	if (Kind{Type: KindRequiredConstruct, Pattern: "p"}).AutoFixable() {
		t.Error("Required constructs have no mechanical fix")
	}
}

package fingerprint

import "testing"

func TestOfDeterministic(t *testing.T) {
	a := Of([]byte("/devices/pci0000:00/usb1/1-1"))
	b := Of([]byte("/devices/pci0000:00/usb1/1-1"))
	if a != b {
		t.Fatalf("fingerprint not deterministic: %s != %s", a, b)
	}
}

func TestOfDistinguishesInputs(t *testing.T) {
	a := Of([]byte("/devices/a"))
	b := Of([]byte("/devices/b"))
	if a == b {
		t.Fatalf("distinct inputs produced equal fingerprints")
	}
}

func TestOfEmptyNonEmpty(t *testing.T) {
	if Of(nil) == "" {
		t.Fatalf("empty input must yield a non-empty fingerprint")
	}
}

func TestOfRulesSeparatorSensitive(t *testing.T) {
	a := OfRules([]string{"allow id 0781:5588"})
	b := OfRules([]string{"allow id 0781:5588", ""})
	if a == b {
		t.Fatalf("OfRules([a]) must differ from OfRules([a, \"\"])")
	}
}

func TestOfRulesOrderSensitive(t *testing.T) {
	a := OfRules([]string{"R1", "R2"})
	b := OfRules([]string{"R2", "R1"})
	if a == b {
		t.Fatalf("OfRules must be order-sensitive")
	}
}

package extractor

import (
	"testing"

	"crm_backend/internal/conversation/domain"
)

func TestExtractTradeLicenseMessage(t *testing.T) {
	got := Extract("I need a trade license, mainland, 2 partners", domain.ChannelWhatsApp, domain.PriorContext{})

	want := map[domain.Field]string{
		domain.FieldServiceKey:    "business_setup",
		domain.FieldJurisdiction:  "mainland",
		domain.FieldPartnersCount: "2",
	}
	if len(got.Values) != len(want) {
		t.Fatalf("expected %d fields, got %v", len(want), got.Values)
	}
	for field, value := range want {
		if got.Get(field) != value {
			t.Fatalf("field %s: expected %q, got %q", field, value, got.Get(field))
		}
	}
	if got.OptOut || got.Sensitive || got.HighValue {
		t.Fatalf("unexpected signals: %+v", got)
	}
}

func TestExtractFields(t *testing.T) {
	cases := []struct {
		name  string
		text  string
		prior domain.PriorContext
		field domain.Field
		want  string
	}{
		{"free zone", "Looking at a FREE ZONE company", domain.PriorContext{}, domain.FieldJurisdiction, "free_zone"},
		{"word count partners", "we are three shareholders", domain.PriorContext{}, domain.FieldPartnersCount, "3"},
		{"solo owner", "it is just me", domain.PriorContext{}, domain.FieldPartnersCount, "1"},
		{"visa count", "we need 4 visas", domain.PriorContext{}, domain.FieldVisasCount, "4"},
		{"dependents as visas", "my wife and 2 kids", domain.PriorContext{}, domain.FieldVisasCount, "2"},
		{"nationality from country", "I'm from India", domain.PriorContext{}, domain.FieldNationality, "indian"},
		{"nationality from passport", "I hold a british passport", domain.PriorContext{}, domain.FieldNationality, "british"},
		{"activity keyword", "we do e-commerce", domain.PriorContext{}, domain.FieldBusinessActivity, "ecommerce"},
		{"iso date", "my visa ends 2026-03-09", domain.PriorContext{}, domain.FieldTargetDate, "2026-03-09"},
		{"dmy date", "expires on 9/3/2026", domain.PriorContext{}, domain.FieldTargetDate, "2026-03-09"},
		{"explicit name", "my name is john SMITH", domain.PriorContext{}, domain.FieldFullName, "John Smith"},
		{"profile name", "hello", domain.PriorContext{ContactName: "amira khan"}, domain.FieldFullName, "Amira Khan"},
		{"bare visas answer", "2", domain.PriorContext{LastQuestionKey: domain.QuestionVisas}, domain.FieldVisasCount, "2"},
		{"bare partners answer", "two.", domain.PriorContext{LastQuestionKey: domain.QuestionPartners}, domain.FieldPartnersCount, "2"},
		{"bare nationality answer", "Pakistan", domain.PriorContext{LastQuestionKey: domain.QuestionNationality}, domain.FieldNationality, "pakistani"},
		{"bare name answer", "Sara Ali", domain.PriorContext{LastQuestionKey: domain.QuestionFullName, ContactName: "sa"}, domain.FieldFullName, "Sara Ali"},
		{"golden visa", "interested in the golden visa", domain.PriorContext{}, domain.FieldServiceKey, "golden_visa"},
		{"renewal", "need visa renewal please", domain.PriorContext{}, domain.FieldServiceKey, "visa_renewal"},
		{"freelance", "freelance permit cost?", domain.PriorContext{}, domain.FieldServiceKey, "freelance_visa"},
		{"family", "how to sponsor my wife", domain.PriorContext{}, domain.FieldServiceKey, "family_visa"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Extract(tc.text, domain.ChannelInstagram, tc.prior)
			if got.Get(tc.field) != tc.want {
				t.Fatalf("expected %s=%q, got %v", tc.field, tc.want, got.Values)
			}
		})
	}
}

func TestExtractBareNumberWithoutQuestionIsIgnored(t *testing.T) {
	got := Extract("2", domain.ChannelFacebook, domain.PriorContext{})
	if len(got.Values) != 0 {
		t.Fatalf("expected no fields, got %v", got.Values)
	}
}

func TestExtractSignals(t *testing.T) {
	cases := []struct {
		text      string
		optOut    bool
		sensitive bool
		highValue bool
	}{
		{"STOP", true, false, false},
		{"please unsubscribe me", true, false, false},
		{"Do not contact me again", true, false, false},
		{"I have a travel ban, can you help", false, true, false},
		{"I want a refund", false, true, false},
		{"golden visa for my family", false, false, true},
		{"one stop shop for licenses?", false, false, false},
		{"thanks for the courtesy call", false, false, false},
		{"what are your refund policies", false, true, false},
		{"I read your visa policies", false, false, false},
		{"my lawyer said to ask", false, true, false},
		{"there is a court case against my sponsor", false, true, false},
	}

	for _, tc := range cases {
		got := Extract(tc.text, domain.ChannelWhatsApp, domain.PriorContext{})
		if got.OptOut != tc.optOut || got.Sensitive != tc.sensitive || got.HighValue != tc.highValue {
			t.Fatalf("%q: expected optOut=%v sensitive=%v highValue=%v, got %+v", tc.text, tc.optOut, tc.sensitive, tc.highValue, got)
		}
	}
}

func TestExtractBareActivityAnswer(t *testing.T) {
	prior := domain.PriorContext{LastQuestionKey: domain.QuestionActivity, ContactName: "Amira Khan"}
	cases := []struct {
		text string
		want string
	}{
		{"furniture import", "furniture import"},
		{"Yoga studio!", "yoga studio"},
		{"mainland", ""},
		{"free zone please", ""},
		{"3", ""},
		{"not sure yet", ""},
		{"Indian", ""},
		{"trade license", ""},
		{"I would rather tell you about it on a call", ""},
	}

	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			got := Extract(tc.text, domain.ChannelWhatsApp, prior)
			if got.Get(domain.FieldBusinessActivity) != tc.want {
				t.Fatalf("expected activity %q, got %v", tc.want, got.Values)
			}
		})
	}
}

func TestExtractIsDeterministicAndTolerant(t *testing.T) {
	inputs := []string{"", "   ", "<b>hi</b>", "\u200b\u200b", "??!!", "99999 partners"}
	for _, in := range inputs {
		a := Extract(in, domain.ChannelWhatsApp, domain.PriorContext{})
		b := Extract(in, domain.ChannelWhatsApp, domain.PriorContext{})
		if len(a.Values) != len(b.Values) {
			t.Fatalf("%q: non-deterministic extraction", in)
		}
		for k, v := range a.Values {
			if b.Values[k] != v {
				t.Fatalf("%q: non-deterministic value for %s", in, k)
			}
		}
	}
}

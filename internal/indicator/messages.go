package indicator

import (
	"fmt"
	"os"
	"strings"

	"github.com/rbright/khata/internal/failure"
	"github.com/rbright/khata/internal/item"
)

type locale string

const (
	localeEnglish  locale = "en"
	localeHinglish locale = "hi"
)

type messages struct {
	capturing    string
	transcribing string
	extracting   string
	added        string // format: item line
	confirm      string // format: candidate line
	failures     map[failure.Kind]string
	fallback     string
}

func indicatorMessagesFromEnv() messages {
	return indicatorMessages(resolveLocale(os.Getenv("LANG")))
}

func resolveLocale(raw string) locale {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(raw, "hi") {
		return localeHinglish
	}
	return localeEnglish
}

func indicatorMessages(tag locale) messages {
	switch tag {
	case localeHinglish:
		return messages{
			capturing:    "Boliye…",
			transcribing: "Sun raha hai…",
			extracting:   "Item bana raha hai…",
			added:        "Jod diya: %s",
			confirm:      "Pakka nahi: %s. Check kar lijiye",
			failures: map[failure.Kind]string{
				failure.KindPermissionDenied:  "Microphone ki permission dijiye",
				failure.KindDeviceUnavailable: "Microphone nahi mila",
				failure.KindNoSpeechDetected:  "Kripya dobara boliye",
				failure.KindNetworkTimeout:    "Internet connection check kijiye",
				failure.KindServiceError:      "Service abhi uplabdh nahi hai",
				failure.KindMalformedResponse: "Samajh nahi aaya, dobara boliye",
				failure.KindLowConfidence:     "Pakka nahi, check kar lijiye",
			},
			fallback: "Kuch gadbad hui, dobara koshish kijiye",
		}
	default:
		return messages{
			capturing:    "Listening…",
			transcribing: "Transcribing…",
			extracting:   "Reading item…",
			added:        "Added: %s",
			confirm:      "Not sure: %s. Please confirm",
			failures: map[failure.Kind]string{
				failure.KindPermissionDenied:  "Allow microphone access",
				failure.KindDeviceUnavailable: "Microphone unavailable",
				failure.KindNoSpeechDetected:  "Please speak again",
				failure.KindNetworkTimeout:    "Check your internet connection",
				failure.KindServiceError:      "Service unavailable, try again",
				failure.KindMalformedResponse: "Didn't catch that, please speak again",
				failure.KindLowConfidence:     "Not sure, please confirm",
			},
			fallback: "Something went wrong, try again",
		}
	}
}

// failureText renders the user-facing line for f. Raw service payloads never appear in it.
func (m messages) failureText(f *failure.Error) string {
	if f == nil {
		return m.fallback
	}
	if f.Kind == failure.KindLowConfidence && f.Candidate != nil {
		return fmt.Sprintf(m.confirm, f.Candidate.String())
	}
	if text, ok := m.failures[f.Kind]; ok {
		return text
	}
	return m.fallback
}

func (m messages) itemText(p item.Parsed) string {
	return fmt.Sprintf(m.added, p.String())
}

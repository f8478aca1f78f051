package job

import (
	"fmt"
	"testing"
)

func TestUnmarshalJSON(t *testing.T) {
	tc := map[string]bool{
		``:              true,
		`{"foo"}`:       true,
		`{"foo":"bar"}`: true,

		// invalid url
		`{"url":"foo"}`: true,
		`{"url":""}`:    true,
		`{"url":12}`:    true,

		// invalid folder
		`{"url":"http://foobar.com/a.bin","folder":"../etc"}`:   true,
		`{"url":"http://foobar.com/a.bin","folder":"a/b"}`:      true,
		`{"url":"http://foobar.com/a.bin","folder":"a\\b"}`:     true,
		`{"url":"http://foobar.com/a.bin","folder":3}`:          true,
		`{"url":"http://foobar.com/a.bin","created_at":"meh"}`:  true,
		`{"id":5,"url":"http://foobar.com/a.bin","folder":"x"}`: true,

		`{"url":"http://foobar.com/a.bin"}`:                                         false,
		`{"url":"http://foobar.com/a.bin","folder":"movies"}`:                       false,
		`{"url":"http://foobar.com/a.bin","folder":null}`:                           false,
		`{"url":"http://foobar.com/a.bin","folder":""}`:                             false,
		`{"id":"42","url":" http://foobar.com/a.bin ","folder":"movies"}`:           false,
		`{"url":"http://foobar.com/a.bin","created_at":"2024-01-02T03:04:05.123Z"}`: false,
	}

	for data, expectErr := range tc {
		j := new(Job)
		err := j.UnmarshalJSON([]byte(data))
		receivedErr := (err != nil)
		if receivedErr != expectErr {
			if err != nil {
				fmt.Println(err)
			}
			t.Errorf("Expected receivedErr to be %v for '%s'", expectErr, data)
		}
	}
}

func TestUnmarshalJSONTrimsURL(t *testing.T) {
	j := new(Job)
	err := j.UnmarshalJSON([]byte(`{"id":"42","url":" http://x/test.bin ","folder":"movies"}`))
	if err != nil {
		t.Fatal(err)
	}
	if j.URL != "http://x/test.bin" {
		t.Errorf("Expected URL to be trimmed, got '%s'", j.URL)
	}
	if j.ID != "42" || j.Folder != "movies" {
		t.Errorf("Unexpected job %s", j)
	}
}

func TestIsSafeFolderName(t *testing.T) {
	cases := map[string]bool{
		"movies":     true,
		"TV Shows":   true,
		"":           false,
		"..":         false,
		"a..b":       false,
		"a/b":        false,
		`a\b`:        false,
		"/abs":       false,
		"nul\x00byte": false,
	}

	for name, expected := range cases {
		if actual := IsSafeFolderName(name); actual != expected {
			t.Errorf("Expected IsSafeFolderName(%q) to be %v", name, expected)
		}
	}
}

func TestJobToString(t *testing.T) {
	testJob := Job{}
	res := testJob.String()
	expected := "Job{ID:, URL:, Folder:, State:, Attempts:0}"

	if res != expected {
		t.Errorf("Expected '%s', got '%s'", expected, res)
	}
}

func TestStateIsFinished(t *testing.T) {
	for _, s := range []State{StateSuccess, StateFailed, StateCancelled} {
		if !s.IsFinished() {
			t.Errorf("Expected %s to be finished", s)
		}
	}
	for _, s := range []State{StatePending, StateInProgress} {
		if s.IsFinished() {
			t.Errorf("Expected %s not to be finished", s)
		}
	}
}

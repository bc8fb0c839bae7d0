package domain

import "testing"

func TestPostTypeOf(t *testing.T) {
	cases := []struct {
		ref  ReferenceType
		want PostType
	}{
		{RefRetweet, PostTypeRetweet},
		{RefQuote, PostTypeQuote},
		{RefReply, PostTypeReply},
		{"", PostTypeTweet},
		{"unknown", PostTypeTweet},
	}
	for _, tc := range cases {
		if got := PostTypeOf(tc.ref); got != tc.want {
			t.Errorf("PostTypeOf(%q) = %q, ожидалось %q", tc.ref, got, tc.want)
		}
	}
}

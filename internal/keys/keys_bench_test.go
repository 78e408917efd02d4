package keys

import "testing"

func BenchmarkFor(b *testing.B) {
	b.ReportAllocs()
	var sink Queue
	for i := 0; i < b.N; i++ {
		sink = For("email")
	}
	_ = sink
}

func BenchmarkBuilders(b *testing.B) {
	cases := []struct {
		name string
		fn   func(string) string
	}{
		{"Task", func(q string) string { return Task(q, "t1") }},
		{"Result", func(q string) string { return Result(q, "t1") }},
		{"Inflight", Inflight},
		{"Retry", Retry},
	}
	for _, c := range cases {
		b.Run(c.name, func(b *testing.B) {
			b.ReportAllocs()
			var s string
			for i := 0; i < b.N; i++ {
				s = c.fn("video-jobs")
			}
			_ = s
		})
	}
}

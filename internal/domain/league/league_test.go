package league

import "testing"

func TestProblemIDFromPath(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"problems/deepdrive/domain_randomization/problem.json", "deepdrive/domain_randomization", false},
		{"/problems/deepdrive/unprotected_left/problem.json", "deepdrive/unprotected_left", false},
		{"problems/deepdrive/domain_randomization/README.md", "", true},
		{"problem.json", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := ProblemIDFromPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseProblemKeepsRaw(t *testing.T) {
	doc := []byte(`{"endpoint":"https://sim.example/eval/dr","acceptable_score_deviation":100,"extra":true}`)
	p, err := ParseProblem("deepdrive/dr", doc)
	if err != nil {
		t.Fatalf("ParseProblem: %v", err)
	}
	if p.ID != "deepdrive/dr" || p.AcceptableScoreDeviation != 100 {
		t.Fatalf("unexpected problem: %+v", p)
	}
	if string(p.Raw) != string(doc) {
		t.Errorf("raw not preserved: %s", p.Raw)
	}
}

func TestBotDeclares(t *testing.T) {
	b, err := ParseBot("crizcraig", "forward-agent", []byte(`{"docker_tag":"x","problems":["deepdrive/dr"]}`))
	if err != nil {
		t.Fatalf("ParseBot: %v", err)
	}
	if !b.Declares("deepdrive/dr") {
		t.Error("expected bot to declare deepdrive/dr")
	}
	if b.Declares("deepdrive/other") {
		t.Error("did not expect bot to declare deepdrive/other")
	}
}

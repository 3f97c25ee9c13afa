// Command booking_smoke walks a live API through the contended-slot flow:
// book, confirm, collide, reschedule, rebook. Intended as a post-deploy
// check against a staging environment.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *apiError       `json:"error"`
}

type apiError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

type lesson struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func main() {
	var (
		base      string
		token     string
		teacherID string
		studentA  string
		studentB  string
		timeout   time.Duration
	)

	flag.StringVar(&base, "base", "http://localhost:8080/api/v1", "API base URL")
	flag.StringVar(&token, "token", "", "Bearer token")
	flag.StringVar(&teacherID, "teacher", "", "Teacher ID with availability tomorrow 09:00-17:00 UTC")
	flag.StringVar(&studentA, "student-a", "", "First student ID")
	flag.StringVar(&studentB, "student-b", "", "Second student ID")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "HTTP client timeout")
	flag.Parse()

	if token == "" || teacherID == "" || studentA == "" || studentB == "" {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{base: base, token: token, http: &http.Client{Timeout: timeout}}

	day := time.Now().UTC().AddDate(0, 0, 1).Truncate(24 * time.Hour)
	nine := day.Add(9 * time.Hour)
	ten := day.Add(10 * time.Hour)
	halfNine := day.Add(9*time.Hour + 30*time.Minute)
	halfTen := day.Add(10*time.Hour + 30*time.Minute)
	eleven := day.Add(11 * time.Hour)

	first, apiErr, err := c.book(teacherID, studentA, nine, ten)
	must(err)
	if apiErr != nil {
		log.Fatalf("initial booking rejected: %s %s", apiErr.Code, apiErr.Message)
	}
	log.Printf("booked %s for student A", first.ID)

	must(c.post(fmt.Sprintf("/bookings/%s/confirm", first.ID), nil, nil))
	log.Printf("confirmed %s", first.ID)

	_, apiErr, err = c.book(teacherID, studentB, halfNine, halfTen)
	must(err)
	if apiErr == nil || apiErr.Code != "TEACHER_CONFLICT" {
		log.Fatalf("expected TEACHER_CONFLICT for the overlapping slot, got %+v", apiErr)
	}
	log.Printf("overlap correctly rejected: %s", apiErr.Code)

	body := map[string]interface{}{"start": ten, "end": eleven}
	must(c.post(fmt.Sprintf("/bookings/%s/reschedule", first.ID), body, nil))
	log.Printf("rescheduled %s to 10:00", first.ID)

	second, apiErr, err := c.book(teacherID, studentB, nine, ten)
	must(err)
	if apiErr != nil {
		log.Fatalf("retry after reschedule rejected: %s %s", apiErr.Code, apiErr.Message)
	}
	log.Printf("rebooked freed slot as %s; smoke check passed", second.ID)

	// Leave the environment as found.
	must(c.post(fmt.Sprintf("/bookings/%s/cancel", first.ID), map[string]string{"reason": "smoke check"}, nil))
	must(c.post(fmt.Sprintf("/bookings/%s/cancel", second.ID), map[string]string{"reason": "smoke check"}, nil))
}

func (c *client) book(teacherID, studentID string, start, end time.Time) (*lesson, *apiError, error) {
	payload := map[string]interface{}{
		"teacher_id": teacherID,
		"student_id": studentID,
		"start":      start,
		"end":        end,
	}
	var out lesson
	apiErr, err := c.do(http.MethodPost, "/bookings", payload, &out)
	if err != nil || apiErr != nil {
		return nil, apiErr, err
	}
	return &out, nil, nil
}

func (c *client) post(path string, payload, out interface{}) error {
	apiErr, err := c.do(http.MethodPost, path, payload, out)
	if err != nil {
		return err
	}
	if apiErr != nil {
		return fmt.Errorf("%s: %s %s", path, apiErr.Code, apiErr.Message)
	}
	return nil
}

func (c *client) do(method, path string, payload, out interface{}) (*apiError, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%s %s: status %d, unparseable body", method, path, resp.StatusCode)
	}
	if env.Error != nil {
		return env.Error, nil
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

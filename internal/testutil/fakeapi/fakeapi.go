// Package fakeapi is an in-memory stand-in for the document-analysis service,
// served over httptest.
package fakeapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xhad/docchat/internal/models"
)

var signingKey = []byte("fakeapi-secret")

type document struct {
	detail models.DocumentDetail
	tags   []string
}

// Server is the fake service. All exported fields and methods are safe for
// concurrent use from tests.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	users         map[string]string
	revoked       map[string]bool
	nextID        int
	docs          map[int]*document
	analyses      map[int]models.Analysis
	conversations map[int]*models.Conversation
	hits          map[string]int
	failures      map[string]int
	delays        map[string]time.Duration
	gates         map[string]chan struct{}
	userIDs       map[string]int
	tokenSeq      atomic.Int64
}

func New() *Server {
	s := &Server{
		users:         map[string]string{},
		revoked:       map[string]bool{},
		docs:          map[int]*document{},
		analyses:      map[int]models.Analysis{},
		conversations: map[int]*models.Conversation{},
		hits:          map[string]int{},
		failures:      map[string]int{},
		delays:        map[string]time.Duration{},
		gates:         map[string]chan struct{}{},
		userIDs:       map[string]int{},
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/token", s.login)
	mux.HandleFunc("POST /api/auth/signup", s.signup)
	mux.HandleFunc("GET /api/auth/me", s.authed(s.me))
	mux.HandleFunc("POST /api/documents/upload", s.authed(s.upload))
	mux.HandleFunc("GET /api/documents/{$}", s.authed(s.listDocuments))
	mux.HandleFunc("GET /api/documents/search", s.authed(s.search))
	mux.HandleFunc("GET /api/documents/{id}", s.authed(s.getDocument))
	mux.HandleFunc("DELETE /api/documents/{id}", s.authed(s.deleteDocument))
	mux.HandleFunc("PUT /api/documents/{id}/tags", s.authed(s.updateTags))
	mux.HandleFunc("POST /api/analysis/documents/{id}/analyze", s.authed(s.analyze))
	mux.HandleFunc("GET /api/analysis/documents/{id}/summary/download", s.authed(s.downloadSummary))
	mux.HandleFunc("POST /api/analysis/documents/{id}/conversations", s.authed(s.createConversation))
	mux.HandleFunc("GET /api/analysis/conversations/{id}", s.authed(s.getConversation))
	mux.HandleFunc("POST /api/analysis/conversations/{id}/messages", s.authed(s.sendMessage))
	mux.HandleFunc("POST /api/analysis/multi-document-qa", s.authed(s.multiDocumentQA))
	mux.HandleFunc("GET /api/analysis/history", s.authed(s.history))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pattern := mux.Handler(r)
		route := r.Method + " " + r.URL.Path

		s.mu.Lock()
		s.hits[route]++
		if pattern != route {
			s.hits[pattern]++
		}
		delay := s.delays[route]
		gate := s.gates[route]
		fail := s.failures[route] > 0
		if fail {
			s.failures[route]--
		}
		s.mu.Unlock()

		if gate != nil {
			<-gate
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		if fail {
			writeError(w, http.StatusInternalServerError, "injected failure")
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// AddUser registers credentials accepted by the login endpoint.
func (s *Server) AddUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = password
	s.nextID++
	s.userIDs[username] = s.nextID
}

// IssueToken signs a token for username expiring after ttl.
func (s *Server) IssueToken(username string, ttl time.Duration) string {
	claims := jwt.RegisteredClaims{
		ID:        strconv.FormatInt(s.tokenSeq.Add(1), 10),
		Subject:   username,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	return token
}

// Revoke makes the service reject token from now on.
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[token] = true
}

// Hits counts requests for a route, given either as "METHOD /concrete/path"
// or as a registered pattern such as "GET /api/documents/{id}".
func (s *Server) Hits(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[route]
}

// FailNext makes the next n requests to route answer 500.
func (s *Server) FailNext(route string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] += n
}

func (s *Server) Delay(route string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[route] = d
}

// Gate holds requests to route until the returned release func is called.
func (s *Server) Gate(route string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[route] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.gates, route)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// AddDocument seeds a document and returns its id.
func (s *Server) AddDocument(filename, content string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addDocumentLocked(filename, content)
}

// AddAssistantMessage appends an assistant reply to a conversation, as a slow
// service would some time after the user's message.
func (s *Server) AddAssistantMessage(conversationID int, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		conv.Messages = append(conv.Messages, s.newMessageLocked(content, false))
	}
}

func (s *Server) Conversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

func (s *Server) addDocumentLocked(filename, content string) int {
	s.nextID++
	id := s.nextID
	ext := strings.TrimPrefix(strings.ToLower(fileExt(filename)), ".")
	s.docs[id] = &document{detail: models.DocumentDetail{
		Document: models.Document{
			ID:          id,
			Filename:    filename,
			FileType:    strings.ToUpper(ext),
			UploadDate:  models.Timestamp{Time: time.Now().UTC()},
			StoragePath: fmt.Sprintf("uploads/%d_%s", id, filename),
		},
		Content: content,
	}}
	return id
}

func (s *Server) newMessageLocked(content string, fromUser bool) models.Message {
	s.nextID++
	return models.Message{
		ID:        s.nextID,
		Content:   content,
		IsUser:    models.UserFlag(fromUser),
		CreatedAt: models.Timestamp{Time: time.Now().UTC()},
	}
}

func fileExt(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) authed(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		s.mu.Lock()
		revoked := s.revoked[raw]
		s.mu.Unlock()
		if revoked {
			writeError(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		var claims jwt.RegisteredClaims
		_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return signingKey, nil })
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		next(w, r, claims.Subject)
	}
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid form")
		return
	}
	username, password := r.PostForm.Get("username"), r.PostForm.Get("password")
	s.mu.Lock()
	expected, ok := s.users[username]
	s.mu.Unlock()
	if !ok || expected != password {
		writeError(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}
	writeJSON(w, http.StatusOK, models.Token{AccessToken: s.IssueToken(username, time.Hour), TokenType: "bearer"})
}

func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[body.Username]; exists {
		writeError(w, http.StatusBadRequest, "Username already registered")
		return
	}
	s.users[body.Username] = body.Password
	s.nextID++
	s.userIDs[body.Username] = s.nextID
	writeJSON(w, http.StatusOK, models.User{
		ID:        s.nextID,
		Username:  body.Username,
		IsActive:  true,
		CreatedAt: models.Timestamp{Time: time.Now().UTC()},
	})
}

func (s *Server) me(w http.ResponseWriter, _ *http.Request, username string) {
	s.mu.Lock()
	id := s.userIDs[username]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, models.User{ID: id, Username: username, IsActive: true})
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request, _ string) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable file")
		return
	}
	s.mu.Lock()
	id := s.addDocumentLocked(header.Filename, string(data))
	doc := s.docs[id].detail.Document
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) listDocuments(w http.ResponseWriter, _ *http.Request, _ string) {
	s.mu.Lock()
	docs := make([]models.Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d.detail.Document)
	}
	s.mu.Unlock()
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request, _ string) {
	q := strings.ToLower(r.URL.Query().Get("query"))
	s.mu.Lock()
	docs := []models.Document{}
	for _, d := range s.docs {
		match := strings.Contains(strings.ToLower(d.detail.Content), q)
		for _, tag := range d.tags {
			if strings.Contains(strings.ToLower(tag), q) {
				match = true
			}
		}
		if match {
			docs = append(docs, d.detail.Document)
		}
	}
	s.mu.Unlock()
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	writeJSON(w, http.StatusOK, docs)
}

func pathID(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	return id, err == nil
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*document, int, bool) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "invalid id")
		return nil, 0, false
	}
	s.mu.Lock()
	doc, found := s.docs[id]
	s.mu.Unlock()
	if !found {
		writeError(w, http.StatusNotFound, "Document not found")
		return nil, 0, false
	}
	return doc, id, true
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request, _ string) {
	doc, _, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	detail := doc.detail
	tags, _ := json.Marshal(doc.tags)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          detail.ID,
		"filename":    detail.Filename,
		"file_type":   detail.FileType,
		"upload_date": detail.UploadDate,
		"file_path":   detail.StoragePath,
		"content":     detail.Content,
		"tags":        string(tags),
	})
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request, _ string) {
	_, id, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.docs, id)
	delete(s.analyses, id)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Document deleted successfully"})
}

func (s *Server) updateTags(w http.ResponseWriter, r *http.Request, _ string) {
	doc, _, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var tags []string
	if err := json.NewDecoder(r.Body).Decode(&tags); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "tags must be a list of strings")
		return
	}
	s.mu.Lock()
	doc.tags = tags
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Tags updated successfully"})
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request, _ string) {
	doc, id, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, found := s.analyses[id]; found {
		writeJSON(w, http.StatusOK, existing)
		return
	}
	s.nextID++
	analysis := models.Analysis{
		ID:         s.nextID,
		DocumentID: id,
		Summary:    "Summary of " + doc.detail.Filename,
		KeyTopics:  `["topic"]`,
		CreatedAt:  models.Timestamp{Time: time.Now().UTC()},
	}
	s.analyses[id] = analysis
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) downloadSummary(w http.ResponseWriter, r *http.Request, _ string) {
	doc, id, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	analysis, found := s.analyses[id]
	name := strings.TrimSuffix(doc.detail.Filename, fileExt(doc.detail.Filename))
	s.mu.Unlock()
	if !found {
		writeError(w, http.StatusNotFound, "Analysis not found for this document")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Disposition", "attachment; filename="+name+"_summary.txt")
	_, _ = io.WriteString(w, analysis.Summary)
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request, _ string) {
	_, id, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	s.nextID++
	conv := &models.Conversation{
		ID:         s.nextID,
		DocumentID: id,
		CreatedAt:  models.Timestamp{Time: time.Now().UTC()},
		Messages:   []models.Message{},
	}
	s.conversations[conv.ID] = conv
	out := *conv
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) (*models.Conversation, bool) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "invalid id")
		return nil, false
	}
	s.mu.Lock()
	conv, found := s.conversations[id]
	s.mu.Unlock()
	if !found {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return nil, false
	}
	return conv, true
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request, _ string) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	out := *conv
	out.Messages = append([]models.Message(nil), conv.Messages...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request, _ string) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	s.mu.Lock()
	conv.Messages = append(conv.Messages, s.newMessageLocked(body.Content, true))
	reply := s.newMessageLocked("Answer to: "+body.Content, false)
	conv.Messages = append(conv.Messages, reply)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) multiDocumentQA(w http.ResponseWriter, r *http.Request, _ string) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid form")
		return
	}
	question := r.MultipartForm.Value["question"]
	ids := r.MultipartForm.Value["document_ids"]
	if len(question) == 0 || len(ids) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "question and document_ids are required")
		return
	}
	s.mu.Lock()
	reply := s.newMessageLocked(fmt.Sprintf("Answer to %q across %s", question[0], strings.Join(ids, ",")), false)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) history(w http.ResponseWriter, _ *http.Request, _ string) {
	s.mu.Lock()
	items := []models.HistoryItem{}
	for id, analysis := range s.analyses {
		if doc, ok := s.docs[id]; ok {
			items = append(items, models.HistoryItem{Analysis: analysis, Document: doc.detail.Document})
		}
	}
	s.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].Analysis.ID > items[j].Analysis.ID })
	writeJSON(w, http.StatusOK, items)
}

package app

import (
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"parley/api/internal/store"
)

var pageTemplates *template.Template

func init() {
	pageTemplates = template.Must(template.New("pages").Parse(chatPageHTML))
	template.Must(pageTemplates.New("auth").Parse(authPageHTML))
}

type chatPageData struct {
	Title    string
	Email    string
	UserType string
	ChatID   string
	Chats    []store.Chat
	Messages []pageMessage
}

type pageMessage struct {
	Role string
	Text string
}

type authPageData struct {
	Title  string
	Action string
	Label  string
}

// handlePage serves the HTML surface. It reports whether the path was a
// page route; API and unknown paths fall through to the JSON dispatch.
func (s *HTTPServer) handlePage(w http.ResponseWriter, r *http.Request) bool {
	path := r.URL.Path

	if path == "/assets/chat.js" || path == "/assets/auth.js" {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		if path == "/assets/chat.js" {
			w.Write([]byte(chatScriptJS))
		} else {
			w.Write([]byte(authScriptJS))
		}
		return true
	}

	if path == "/login" {
		s.renderAuthPage(w, authPageData{Title: "Sign in", Action: "/api/auth/login", Label: "Sign in"})
		return true
	}
	if path == "/register" {
		s.renderAuthPage(w, authPageData{Title: "Create account", Action: "/api/auth/register", Label: "Create account"})
		return true
	}

	if path != "/" && path != "/chat" && !strings.HasPrefix(path, "/chat/") {
		return false
	}

	// The gate only checks cookie presence. A stale or garbage cookie
	// resolves to no session here, and the browser goes back through
	// bootstrap to get a fresh one.
	session, err := s.service.SessionFromRequest(r.Context(), r)
	if err != nil {
		http.Redirect(w, r, guestBootstrapPath+"?redirectUrl="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		return true
	}

	data := chatPageData{
		Title:    "Parley",
		Email:    session.Email,
		UserType: session.UserType,
	}

	if history, err := s.service.History(r.Context(), session, 10, "", ""); err == nil {
		if chats, ok := history["chats"].([]map[string]any); ok {
			for _, chat := range chats {
				data.Chats = append(data.Chats, store.Chat{
					ID:    chat["id"].(string),
					Title: chat["title"].(string),
				})
			}
		}
	}

	if strings.HasPrefix(path, "/chat/") {
		chatID := strings.TrimPrefix(path, "/chat/")
		payload, err := s.service.GetChat(r.Context(), session, chatID)
		if err != nil {
			status, _, _, _ := mapError(err)
			http.Error(w, http.StatusText(status), status)
			return true
		}
		data.ChatID = chatID
		if chat, ok := payload["chat"].(map[string]any); ok {
			data.Title = chat["title"].(string)
		}
		if messages, ok := payload["messages"].([]map[string]any); ok {
			for _, message := range messages {
				text := ""
				if raw, ok := message["parts"].(json.RawMessage); ok {
					text = TextFromParts(raw)
				}
				data.Messages = append(data.Messages, pageMessage{
					Role: message["role"].(string),
					Text: text,
				})
			}
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplates.ExecuteTemplate(w, "pages", data); err != nil {
		http.Error(w, "template error", http.StatusInternalServerError)
	}
	return true
}

func (s *HTTPServer) renderAuthPage(w http.ResponseWriter, data authPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplates.ExecuteTemplate(w, "auth", data); err != nil {
		http.Error(w, "template error", http.StatusInternalServerError)
	}
}

const chatPageHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; margin: 0; display: flex; height: 100vh; }
    nav { width: 240px; border-right: 1px solid #ddd; padding: 1rem; overflow-y: auto; }
    nav a { display: block; padding: 0.4rem 0.5rem; color: #333; text-decoration: none; border-radius: 4px; white-space: nowrap; overflow: hidden; text-overflow: ellipsis; }
    nav a:hover { background: #f0f0f0; }
    main { flex: 1; display: flex; flex-direction: column; }
    #messages { flex: 1; overflow-y: auto; padding: 1.5rem; }
    .message { padding: 0.75rem 1rem; margin: 0.75rem auto; max-width: 720px; border-radius: 6px; white-space: pre-wrap; }
    .message.user { background: #eef3ff; }
    .message.assistant { background: #f5f5f5; }
    form#composer { display: flex; gap: 0.5rem; padding: 1rem; border-top: 1px solid #ddd; }
    form#composer textarea { flex: 1; resize: none; padding: 0.5rem; }
    .account { font-size: 0.85em; color: #666; margin-bottom: 1rem; }
  </style>
</head>
<body>
  <nav>
    <div class="account">{{.Email}} ({{.UserType}})</div>
    <a href="/">New chat</a>
    {{range .Chats}}<a href="/chat/{{.ID}}">{{.Title}}</a>{{end}}
  </nav>
  <main>
    <div id="messages">
      {{range .Messages}}<div class="message {{.Role}}">{{.Text}}</div>{{end}}
    </div>
    <form id="composer" data-chat-id="{{.ChatID}}">
      <textarea name="prompt" rows="2" placeholder="Say something"></textarea>
      <button type="submit">Send</button>
    </form>
  </main>
  <script src="/assets/chat.js"></script>
</body>
</html>`

const authPageHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; display: flex; align-items: center; justify-content: center; height: 100vh; margin: 0; }
    form { width: 320px; display: flex; flex-direction: column; gap: 0.75rem; }
    input { padding: 0.5rem; }
    .error { color: #b00; font-size: 0.9em; min-height: 1.2em; }
  </style>
</head>
<body>
  <form data-action="{{.Action}}">
    <h1>{{.Title}}</h1>
    <div class="error"></div>
    <input type="email" name="email" placeholder="Email" required>
    <input type="password" name="password" placeholder="Password" required minlength="8">
    <button type="submit">{{.Label}}</button>
  </form>
  <script src="/assets/auth.js"></script>
</body>
</html>`

const chatScriptJS = `(() => {
  const form = document.getElementById('composer');
  const messages = document.getElementById('messages');
  let chatId = form.dataset.chatId;

  const append = (role, text) => {
    const div = document.createElement('div');
    div.className = 'message ' + role;
    div.textContent = text;
    messages.appendChild(div);
    messages.scrollTop = messages.scrollHeight;
    return div;
  };

  form.addEventListener('submit', async (event) => {
    event.preventDefault();
    const prompt = form.prompt.value.trim();
    if (!prompt) return;
    form.prompt.value = '';

    const isNew = !chatId;
    if (isNew) chatId = crypto.randomUUID();
    append('user', prompt);
    const assistant = append('assistant', '');

    const response = await fetch('/api/chat', {
      method: 'POST',
      headers: { 'Content-Type': 'application/json' },
      body: JSON.stringify({
        id: chatId,
        message: {
          id: crypto.randomUUID(),
          role: 'user',
          parts: [{ type: 'text', text: prompt }],
        },
      }),
    });
    if (!response.ok) {
      const body = await response.json().catch(() => ({}));
      assistant.textContent = body.error || 'Request failed';
      return;
    }

    const reader = response.body.getReader();
    const decoder = new TextDecoder();
    let buffer = '';
    for (;;) {
      const { done, value } = await reader.read();
      if (done) break;
      buffer += decoder.decode(value, { stream: true });
      const events = buffer.split('\n\n');
      buffer = events.pop();
      for (const event of events) {
        const data = event.replace(/^data: /, '');
        if (data === '[DONE]') continue;
        try {
          const payload = JSON.parse(data);
          if (payload.type === 'text-delta') assistant.textContent += payload.delta;
          if (payload.type === 'error') assistant.textContent = payload.error;
        } catch { /* partial frame */ }
      }
    }
    if (isNew) history.replaceState(null, '', '/chat/' + chatId);
  });
})();`

const authScriptJS = `(() => {
  const form = document.querySelector('form[data-action]');
  form.addEventListener('submit', async (event) => {
    event.preventDefault();
    const response = await fetch(form.dataset.action, {
      method: 'POST',
      headers: { 'Content-Type': 'application/json' },
      body: JSON.stringify({
        email: form.email.value,
        password: form.password.value,
      }),
    });
    if (response.ok) {
      location.href = '/';
      return;
    }
    const body = await response.json().catch(() => ({}));
    form.querySelector('.error').textContent = body.error || 'Request failed';
  });
})();`

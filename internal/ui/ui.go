// Package ui is the terminal frontend. It renders engine snapshots and
// translates key presses into intents; all chat state lives in the engine
// and its store, never here.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sverka/internal/session"
)

type pane int

const (
	paneConvos pane = iota
	paneFriends
	panePending
	paneMessage
	paneSearch
	paneGroup
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	sectionStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	senderStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	sidebarStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	threadStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// UpdateMsg tells the model to pull a fresh snapshot.
type UpdateMsg struct{}

// NoticeMsg carries a user-visible engine notice.
type NoticeMsg session.Notice

type Model struct {
	engine *session.Engine

	username  textinput.Model
	password  textinput.Model
	signup    bool
	authFocus int

	message textinput.Model
	search  textinput.Model
	group   textinput.Model
	thread  viewport.Model

	snap   session.Snapshot
	notice session.Notice
	pane   pane

	selConv    int
	selFriend  int
	selPending int

	width  int
	height int
	ready  bool
}

func New(engine *session.Engine) Model {
	username := textinput.New()
	username.Placeholder = "username"
	username.Focus()
	username.CharLimit = 32

	password := textinput.New()
	password.Placeholder = "password"
	password.EchoMode = textinput.EchoPassword
	password.CharLimit = 64

	message := textinput.New()
	message.Placeholder = "type a message"
	message.CharLimit = 512

	search := textinput.New()
	search.Placeholder = "search username"
	search.CharLimit = 32

	group := textinput.New()
	group.Placeholder = "group name: member, member"
	group.CharLimit = 128

	return Model{
		engine:   engine,
		username: username,
		password: password,
		message:  message,
		search:   search,
		group:    group,
		pane:     paneConvos,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.awaitUpdate(), m.awaitNotice())
}

func (m Model) awaitUpdate() tea.Cmd {
	return func() tea.Msg {
		<-m.engine.Updates()
		return UpdateMsg{}
	}
}

func (m Model) awaitNotice() tea.Cmd {
	return func() tea.Msg {
		return NoticeMsg(<-m.engine.Notices())
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.thread = viewport.New(m.threadWidth(), m.threadHeight())
		m.ready = true
		m.refresh()
		return m, nil

	case UpdateMsg:
		m.refresh()
		return m, m.awaitUpdate()

	case NoticeMsg:
		m.notice = session.Notice(msg)
		return m, m.awaitNotice()

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		if m.authView() {
			return m.updateAuth(msg)
		}
		return m.updateChat(msg)
	}

	return m, nil
}

func (m *Model) refresh() {
	m.snap = m.engine.Snapshot()
	m.clampSelections()
	if m.ready {
		atBottom := m.thread.AtBottom()
		m.thread.SetContent(m.renderThread())
		if atBottom {
			m.thread.GotoBottom()
		}
	}
}

func (m Model) authView() bool {
	switch m.snap.State {
	case session.StateLive, session.StateRefreshing:
		return false
	}
	return true
}

// --- Auth screen ---

func (m Model) updateAuth(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyTab, tea.KeyShiftTab, tea.KeyUp, tea.KeyDown:
		m.authFocus = (m.authFocus + 1) % 2
		if m.authFocus == 0 {
			m.username.Focus()
			m.password.Blur()
		} else {
			m.username.Blur()
			m.password.Focus()
		}
		return m, nil
	case tea.KeyEnter:
		user := strings.TrimSpace(m.username.Value())
		pass := m.password.Value()
		if m.signup {
			m.engine.Signup(user, pass)
		} else {
			m.engine.Login(user, pass)
		}
		return m, nil
	case tea.KeyCtrlS:
		m.signup = !m.signup
		return m, nil
	}

	var cmd tea.Cmd
	if m.authFocus == 0 {
		m.username, cmd = m.username.Update(msg)
	} else {
		m.password, cmd = m.password.Update(msg)
	}
	return m, cmd
}

// --- Chat screen ---

func (m Model) updateChat(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Text panes swallow everything except their submit and escape keys.
	switch m.pane {
	case paneMessage:
		switch msg.Type {
		case tea.KeyEsc:
			m.message.Blur()
			m.pane = paneConvos
			return m, nil
		case tea.KeyEnter:
			if v := m.message.Value(); v != "" {
				m.engine.SendMessage(v)
				m.message.Reset()
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.message, cmd = m.message.Update(msg)
		return m, cmd

	case paneSearch:
		switch msg.Type {
		case tea.KeyEsc:
			m.search.Blur()
			m.pane = paneConvos
			return m, nil
		case tea.KeyEnter:
			if v := strings.TrimSpace(m.search.Value()); v != "" {
				m.engine.SearchUser(v)
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.search, cmd = m.search.Update(msg)
		return m, cmd

	case paneGroup:
		switch msg.Type {
		case tea.KeyEsc:
			m.group.Blur()
			m.pane = paneConvos
			return m, nil
		case tea.KeyEnter:
			if v := m.group.Value(); v != "" {
				name, members := parseGroup(v)
				m.engine.CreateGroup(name, members)
				m.group.Reset()
				m.group.Blur()
				m.pane = paneConvos
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.group, cmd = m.group.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "up", "k":
		m.moveSelection(-1)
	case "down", "j":
		m.moveSelection(1)
	case "enter":
		m.activate()
	case "tab":
		m.pane = nextListPane(m.pane)
	case "i":
		m.pane = paneMessage
		m.message.Focus()
	case "s":
		m.pane = paneSearch
		m.search.Focus()
	case "g":
		m.pane = paneGroup
		m.group.Focus()
	case "a":
		if m.pane == panePending && len(m.snap.Pending) > 0 {
			m.engine.AcceptRequest(m.snap.Pending[m.selPending])
		}
	case "r":
		if m.pane == panePending && len(m.snap.Pending) > 0 {
			m.engine.RejectRequest(m.snap.Pending[m.selPending])
		}
	case "d":
		if m.pane == paneFriends && len(m.snap.Friends) > 0 {
			m.engine.RemoveFriend(m.snap.Friends[m.selFriend])
		}
	case "f":
		if m.snap.Search != nil && m.snap.Search.Status == "available" {
			m.engine.SendFriendRequest(m.snap.Search.Username)
		}
	case "ctrl+l":
		m.engine.Logout()
	case "q":
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) moveSelection(delta int) {
	switch m.pane {
	case paneConvos:
		m.selConv = clamp(m.selConv+delta, len(m.snap.Conversations))
	case paneFriends:
		m.selFriend = clamp(m.selFriend+delta, len(m.snap.Friends))
	case panePending:
		m.selPending = clamp(m.selPending+delta, len(m.snap.Pending))
	}
}

func (m *Model) activate() {
	switch m.pane {
	case paneConvos:
		if len(m.snap.Conversations) > 0 {
			m.engine.OpenConversation(m.snap.Conversations[m.selConv].Key)
			m.pane = paneMessage
			m.message.Focus()
		}
	case paneFriends:
		if len(m.snap.Friends) > 0 {
			m.engine.OpenChatWith(m.snap.Friends[m.selFriend])
			m.pane = paneMessage
			m.message.Focus()
		}
	}
}

func (m *Model) clampSelections() {
	m.selConv = clamp(m.selConv, len(m.snap.Conversations))
	m.selFriend = clamp(m.selFriend, len(m.snap.Friends))
	m.selPending = clamp(m.selPending, len(m.snap.Pending))
}

// --- Rendering ---

func (m Model) View() string {
	if !m.ready {
		return "loading"
	}
	if m.authView() {
		return m.viewAuth()
	}
	return m.viewChat()
}

func (m Model) viewAuth() string {
	action := "log in"
	if m.signup {
		action = "sign up"
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("sverka") + "\n\n")
	switch m.snap.State {
	case session.StateConnecting:
		b.WriteString("connecting...\n")
	default:
		b.WriteString(m.username.View() + "\n")
		b.WriteString(m.password.View() + "\n\n")
		b.WriteString(dimStyle.Render(fmt.Sprintf("enter: %s · ctrl+s: switch mode · ctrl+c: quit", action)))
	}
	b.WriteString("\n\n" + m.renderNotice())
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, b.String())
}

func (m Model) viewChat() string {
	sidebar := sidebarStyle.Width(m.sidebarWidth()).Height(m.height - 4).Render(m.renderSidebar())

	var main strings.Builder
	main.WriteString(m.renderThreadTitle() + "\n")
	main.WriteString(m.thread.View() + "\n")
	main.WriteString(m.message.View())
	mainPane := threadStyle.Width(m.threadWidth()).Height(m.height - 4).Render(main.String())

	status := m.renderStatus()
	return lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.JoinHorizontal(lipgloss.Top, sidebar, mainPane),
		status,
	)
}

func (m Model) renderSidebar() string {
	var b strings.Builder

	b.WriteString(sectionStyle.Render("conversations") + "\n")
	if len(m.snap.Conversations) == 0 {
		b.WriteString(dimStyle.Render("  none yet") + "\n")
	}
	for i, c := range m.snap.Conversations {
		line := "  " + c.DisplayName(m.snap.Identity)
		if c.Key == m.snap.Active {
			line += " *"
		}
		if m.pane == paneConvos && i == m.selConv {
			line = selectedStyle.Render("> " + strings.TrimPrefix(line, "  "))
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("friends") + "\n")
	for i, f := range m.snap.Friends {
		line := "  " + f
		if m.pane == paneFriends && i == m.selFriend {
			line = selectedStyle.Render("> " + f)
		}
		b.WriteString(line + "\n")
	}

	if len(m.snap.Pending) > 0 {
		b.WriteString("\n" + sectionStyle.Render("requests") + "\n")
		for i, p := range m.snap.Pending {
			line := "  " + p
			if m.pane == panePending && i == m.selPending {
				line = selectedStyle.Render("> " + p)
			}
			b.WriteString(line + "\n")
		}
	}

	if m.pane == paneSearch || m.snap.Search != nil {
		b.WriteString("\n" + sectionStyle.Render("search") + "\n")
		b.WriteString(m.search.View() + "\n")
		if m.snap.Search != nil {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  %s: %s", m.snap.Search.Username, m.snap.Search.Status)) + "\n")
		}
	}

	if m.pane == paneGroup {
		b.WriteString("\n" + sectionStyle.Render("new group") + "\n")
		b.WriteString(m.group.View() + "\n")
	}

	return b.String()
}

func (m Model) renderThreadTitle() string {
	for _, c := range m.snap.Conversations {
		if c.Key == m.snap.Active {
			return titleStyle.Render(c.DisplayName(m.snap.Identity))
		}
	}
	if !m.snap.Active.IsZero() {
		return titleStyle.Render("new conversation")
	}
	return dimStyle.Render("select a conversation")
}

func (m Model) renderThread() string {
	if len(m.snap.ActiveThread) == 0 {
		return dimStyle.Render("no messages")
	}
	var b strings.Builder
	for _, msg := range m.snap.ActiveThread {
		stamp := dimStyle.Render(msg.CreatedAt.Format("15:04"))
		b.WriteString(fmt.Sprintf("%s %s %s\n", stamp, senderStyle.Render(msg.SenderUsername+":"), msg.Content))
	}
	return b.String()
}

func (m Model) renderStatus() string {
	help := "tab: panes · enter: open · i: write · s: search · g: group · ctrl+l: logout · q: quit"
	left := dimStyle.Render(fmt.Sprintf("%s · %s", m.snap.Identity, m.snap.State))
	notice := m.renderNotice()
	if notice != "" {
		return left + "  " + notice
	}
	return left + "  " + dimStyle.Render(help)
}

func (m Model) renderNotice() string {
	if m.notice.Text == "" {
		return ""
	}
	if m.notice.Level == session.LevelError {
		return errorStyle.Render(m.notice.Text)
	}
	return m.notice.Text
}

func (m Model) sidebarWidth() int {
	w := m.width / 4
	if w < 24 {
		w = 24
	}
	return w
}

func (m Model) threadWidth() int {
	return m.width - m.sidebarWidth() - 6
}

func (m Model) threadHeight() int {
	h := m.height - 8
	if h < 3 {
		h = 3
	}
	return h
}

func nextListPane(p pane) pane {
	switch p {
	case paneConvos:
		return paneFriends
	case paneFriends:
		return panePending
	default:
		return paneConvos
	}
}

// parseGroup splits "name: member, member" into a group name and its
// member list.
func parseGroup(v string) (string, []string) {
	name, rest, ok := strings.Cut(v, ":")
	if !ok {
		return strings.TrimSpace(v), nil
	}
	var members []string
	for _, part := range strings.Split(rest, ",") {
		if p := strings.TrimSpace(part); p != "" {
			members = append(members, p)
		}
	}
	return strings.TrimSpace(name), members
}

func clamp(i, n int) int {
	if n == 0 {
		return 0
	}
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

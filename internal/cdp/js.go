package cdp

// JS payloads evaluated inside client windows. All DOM knowledge about the
// client's chat UI lives in this file; everything returns JSON strings so the
// Go side decodes with encoding/json regardless of shape.

// jsListConversations enumerates open chat tabs in both locations the client
// renders them: the agent-tabs bar and split-view editor groups. Tabs are
// tagged with a data-pm-id attribute so later clicks can target them; ids
// derive from the client's own composer UUIDs when available. The active
// tab's entry carries the id of the last user-authored message as a content
// fingerprint that survives renames and moves.
const jsListConversations = `() => {
	const results = [];
	const used = new Set();

	const idFromUUID = (uuid) => 'cid-' + uuid.substring(0, 8);

	const tag = (el, uuid) => {
		const id = idFromUUID(uuid);
		el.setAttribute('data-pm-id', id);
		return id;
	};

	const composerID = () => {
		const el = document.querySelector('.composite.auxiliarybar[data-composer-id]')
			|| document.querySelector('.composer-bar[data-composer-id]');
		const cid = el && el.getAttribute('data-composer-id');
		return (cid && /^[0-9a-f]{8}-/.test(cid)) ? cid : '';
	};

	const lastHumanMessageID = (container) => {
		const msgs = container.querySelectorAll('[data-message-kind="human"][data-message-id]');
		return msgs.length ? msgs[msgs.length - 1].getAttribute('data-message-id') : '';
	};

	// Split-view editor-group tabs carry stable UUIDs in data-resource-name.
	document.querySelectorAll('.editor-group-container').forEach(group => {
		group.querySelectorAll('.tab .composer-tab-label').forEach(label => {
			const tabEl = label.closest('.tab');
			if (!tabEl) return;
			const resName = tabEl.getAttribute('data-resource-name') || '';
			let id = tabEl.getAttribute('data-pm-id');
			if (!id || !id.startsWith('cid-')) {
				if (/^[0-9a-f]{8}-/.test(resName)) {
					id = tag(tabEl, resName);
				} else if (!id) {
					id = 'pm-' + Math.random().toString(36).slice(2, 10);
					tabEl.setAttribute('data-pm-id', id);
				}
			}
			used.add(id);
			const entry = {
				id: id,
				name: label.textContent.trim(),
				active: tabEl.classList.contains('active'),
				fingerprint: ''
			};
			const panel = group.querySelector('.composer-messages-container');
			if (panel && entry.active) entry.fingerprint = lastHumanMessageID(panel);
			results.push(entry);
		});
	});

	// Agent-tabs bar. Only the checked tab can be mapped to the composer
	// UUID, and only if that would not collide with an editor-group tab.
	const panel = document.querySelector('.composite.auxiliarybar .composer-messages-container')
		|| document.querySelector('.auxiliarybar .composer-messages-container');
	const activeFingerprint = panel ? lastHumanMessageID(panel) : '';

	document.querySelectorAll('[class*="agent-tabs"] li[class*="action-item"] a[aria-id="chat-horizontal-tab"]').forEach(a => {
		const li = a.closest('li');
		if (!li) return;
		let id = li.getAttribute('data-pm-id');
		const checked = li.classList.contains('checked');
		if (checked) {
			const cid = composerID();
			if (cid && !used.has(idFromUUID(cid))) id = tag(li, cid);
		}
		if (!id) {
			id = 'pm-' + Math.random().toString(36).slice(2, 10);
			li.setAttribute('data-pm-id', id);
		}
		used.add(id);
		results.push({
			id: id,
			name: a.getAttribute('aria-label') || a.textContent.trim() || '',
			active: checked,
			fingerprint: checked ? activeFingerprint : ''
		});
	});

	return JSON.stringify(results);
}`

// jsLatestTurn reads the last user/assistant exchange: the user message (one
// turn id per user message), image attachments, and every response section in
// DOM order with a stable id, a kind tag, and selectors for screenshot and
// confirmation targeting.
const jsLatestTurn = `() => {
	const sectionText = (section) => {
		// textContent loses CSS-generated list counters; rebuild them.
		let out = '';
		for (const node of section.childNodes) {
			if (node.tagName === 'OL') {
				node.querySelectorAll(':scope > li').forEach(li => {
					out += '\n' + (li.getAttribute('value') || '') + '. ' + li.textContent.trim();
				});
			} else if (node.tagName === 'UL') {
				node.querySelectorAll(':scope > li').forEach(li => {
					out += '\n- ' + li.textContent.trim();
				});
			} else {
				out += node.textContent;
			}
		}
		return out.trim();
	};

	const empty = { turn_id: '', user_text: '', sections: [], attachments: [], conversation_name: '' };
	const pairs = document.querySelectorAll('.composer-human-ai-pair-container');
	if (!pairs.length) return JSON.stringify(empty);
	const last = pairs[pairs.length - 1];

	const humanMsg = last.querySelector('[data-message-role="human"]');
	const turnID = humanMsg ? ('turn:' + (humanMsg.getAttribute('data-message-id') || '')) : '';
	let userText = '';
	if (humanMsg) {
		const lexical = humanMsg.querySelector('.aislash-editor-input-readonly');
		userText = (lexical || humanMsg).textContent.trim();
	}

	const attachments = [];
	last.querySelectorAll('.context-pill-image img').forEach(img => {
		if (img.src) attachments.push(img.src);
	});

	const sections = [];
	last.querySelectorAll('[data-message-role="ai"], [data-message-kind="tool"]').forEach(msg => {
		const msgID = msg.getAttribute('data-message-id') || '';
		const bubble = '#bubble-' + msgID.split('-').pop();
		const kind = msg.getAttribute('data-message-kind');
		let sub = 0;

		if (kind === 'tool') {
			const toolStatus = msg.getAttribute('data-tool-status');
			const toolCallID = msg.getAttribute('data-tool-call-id') || '';
			const acceptBtn = msg.querySelector('.composer-run-button');
			const rejectBtn = msg.querySelector('.composer-skip-button');

			if (toolStatus === 'loading' && acceptBtn) {
				const clean = (el, fallback) => el ? el.innerText.trim().replace(/\s+/g, ' ') : fallback;
				const desc = msg.querySelector('.composer-tool-former-message');
				let text = 'Action pending';
				if (desc) {
					const parts = [];
					const top = desc.querySelector('.composer-tool-call-top-header');
					const header = desc.querySelector('.composer-tool-call-header');
					const body = desc.querySelector('.composer-tool-call-body');
					if (top) parts.push(clean(top, ''));
					if (header) parts.push(clean(header, ''));
					if (body && body.innerText.trim()) parts.push(body.innerText.trim());
					text = parts.filter(Boolean).join('\n') || desc.innerText.trim();
				}
				sections.push({
					id: toolCallID || ('gen:' + msgID + ':' + sub),
					kind: 'confirmation',
					text: text,
					selector: bubble + ' .composer-tool-former-message > div',
					actions: [
						{ label: clean(acceptBtn, 'Accept'), locator: bubble + ' .composer-run-button' },
						{ label: clean(rejectBtn, 'Skip'), locator: bubble + ' .composer-skip-button' }
					]
				});
				return;
			}

			if (msg.querySelector('.composer-code-block-container')) {
				const filename = msg.querySelector('.composer-code-block-filename');
				const status = msg.querySelector('.composer-code-block-status');
				const text = (filename ? filename.textContent.trim() : 'file')
					+ (status && status.textContent.trim() ? ' ' + status.textContent.trim() : '');
				sections.push({
					id: toolCallID || ('gen:' + msgID + ':' + sub),
					kind: 'file_edit',
					text: text,
					selector: bubble + ' .composer-code-block-container'
				});
			}
			return;
		}

		if (kind === 'thinking') {
			// Collapsed thinking has no content in the DOM; expand it so the
			// next poll can read it.
			let root = msg.querySelector('.anysphere-markdown-container-root');
			if (!root) {
				const header = msg.querySelector('.collapsible-thought > div:first-child');
				if (header) header.click();
			}
			let text = '';
			if (root) {
				const parts = [];
				for (const child of root.children) {
					if (child.classList.contains('markdown-section')) {
						const t = sectionText(child);
						if (t) parts.push(t);
					}
				}
				text = parts.join('\n');
			}
			// Pushed even when empty to hold its order slot.
			sections.push({ id: msgID || ('gen:thinking:' + sub), kind: 'thinking', text: text });
			return;
		}

		const root = msg.querySelector('.anysphere-markdown-container-root');
		if (!root) return;
		let tableIndex = 0, codeIndex = 0;
		for (const child of root.children) {
			if (child.classList.contains('markdown-section')) {
				if (child.querySelector('.markdown-block-code')) {
					sections.push({
						id: child.id || ('gen:' + msgID + ':' + sub),
						kind: 'code_block',
						text: child.innerText.trim(),
						selector: bubble + ' .markdown-block-code'
							+ (codeIndex > 0 ? ':nth-of-type(' + (codeIndex + 1) + ')' : '')
					});
					sub++; codeIndex++;
				} else {
					const text = sectionText(child);
					if (text.length > 0) {
						sections.push({ id: child.id || ('gen:' + msgID + ':' + sub), kind: 'text', text: text });
						sub++;
					}
				}
			} else if (child.classList.contains('markdown-table-container')) {
				sections.push({
					id: 'gen:' + msgID + ':' + sub,
					kind: 'table',
					text: child.innerText.trim(),
					selector: bubble + ' .markdown-table-container'
						+ (tableIndex > 0 ? ':nth-of-type(' + (tableIndex + 1) + ')' : '')
				});
				sub++; tableIndex++;
			}
		}
	});

	const tab = document.querySelector('[class*="agent-tabs"] li[class*="checked"] a[aria-id="chat-horizontal-tab"]');
	return JSON.stringify({
		turn_id: turnID,
		user_text: userText,
		sections: sections,
		attachments: attachments,
		conversation_name: tab ? (tab.getAttribute('aria-label') || '') : ''
	});
}`

// jsCheckFocus detects which chat input has OS focus in this window.
// document.hasFocus() gates it so only the foreground window answers.
const jsCheckFocus = `() => {
	if (!document.hasFocus()) return null;
	const el = document.activeElement;
	if (!el) return null;

	const groups = document.querySelectorAll('.editor-group-container.has-composer-editor');
	for (const g of groups) {
		if (g.contains(el)) {
			const label = g.querySelector('.tab.selected .composer-tab-label') || g.querySelector('.tab .composer-tab-label');
			const tabEl = label ? label.closest('.tab') : null;
			if (label && tabEl) return JSON.stringify({
				id: tabEl.getAttribute('data-pm-id') || '',
				name: label.textContent.trim()
			});
		}
	}

	if (el.getAttribute('data-lexical-editor') === 'true' && el.contentEditable === 'true') {
		const li = document.querySelector('[class*="agent-tabs"] li.checked');
		if (li) {
			const a = li.querySelector('a[aria-id="chat-horizontal-tab"]');
			return JSON.stringify({
				id: li.getAttribute('data-pm-id') || '',
				name: a ? (a.getAttribute('aria-label') || a.textContent.trim()) : ''
			});
		}
	}
	return null;
}`

// jsInstallTabObserver installs a MutationObserver that records the most
// recent chat tab activation, whatever UI surface triggered it. Idempotent.
const jsInstallTabObserver = `() => {
	if (window.__pmTabObserver) return 'ALREADY_INSTALLED';
	window.__pmActiveTab = null;

	const record = (name, id) => {
		window.__pmActiveTab = { name: name, id: id || '', ts: Date.now() };
	};

	const observer = new MutationObserver(mutations => {
		for (const m of mutations) {
			if (m.attributeName !== 'class') continue;
			const el = m.target;

			if (el.tagName === 'LI' && el.classList.contains('checked')) {
				const a = el.querySelector('a[aria-id="chat-horizontal-tab"]');
				if (a) record(a.getAttribute('aria-label') || a.textContent.trim(), el.getAttribute('data-pm-id'));
			}

			if (el.classList.contains('tab') && el.classList.contains('selected')) {
				const label = el.querySelector('.composer-tab-label');
				if (label) record(label.textContent.trim(), el.getAttribute('data-pm-id'));
			}

			if (el.classList.contains('editor-group-container')
				&& el.classList.contains('has-composer-editor')
				&& !el.classList.contains('inactive')) {
				const label = el.querySelector('.tab.selected .composer-tab-label');
				const tabEl = label ? label.closest('.tab') : null;
				if (label && tabEl) record(label.textContent.trim(), tabEl.getAttribute('data-pm-id'));
			}
		}
	});
	observer.observe(document.body, { attributes: true, attributeFilter: ['class'], subtree: true });
	window.__pmTabObserver = true;
	return 'INSTALLED';
}`

// jsPollTabObserver reads and clears the latest recorded tab activation.
const jsPollTabObserver = `() => {
	const data = window.__pmActiveTab;
	window.__pmActiveTab = null;
	return data ? JSON.stringify(data) : null;
}`

// jsActiveEditorChat polls for a non-inactive editor group holding a composer
// editor. Catches activation paths that never mutate tab classes (Open
// Editors sidebar clicks in particular).
const jsActiveEditorChat = `() => {
	const groups = document.querySelectorAll('.editor-group-container');
	for (const g of groups) {
		if (g.classList.contains('inactive')) continue;
		if (!g.querySelector('[data-lexical-editor="true"]')) continue;
		const label = g.querySelector('.tab.selected .composer-tab-label');
		const tabEl = label ? label.closest('.tab') : null;
		if (label && tabEl) return JSON.stringify({
			id: tabEl.getAttribute('data-pm-id') || '',
			name: label.textContent.trim()
		});
	}
	return null;
}`

// jsFocusComposer focuses the chat input editor.
const jsFocusComposer = `() => {
	let editor = document.querySelector('.aislash-editor-input');
	if (!editor) {
		for (const ed of document.querySelectorAll('[data-lexical-editor="true"]')) {
			if (ed.contentEditable === 'true') { editor = ed; break; }
		}
	}
	if (!editor) return 'ERROR: no input editor found';
	editor.focus();
	editor.click();
	return 'OK';
}`

// jsClickSend verifies inserted text and clicks the send button. The click
// is deferred to a microtask so the call returns before the UI reacts.
const jsClickSend = `() => {
	let editor = document.querySelector('.aislash-editor-input');
	if (!editor) {
		for (const ed of document.querySelectorAll('[data-lexical-editor="true"]')) {
			if (ed.contentEditable === 'true') { editor = ed; break; }
		}
	}
	if (!editor || !editor.textContent.trim()) return 'ERROR: text not inserted';
	const selectors = [
		'.send-with-mode .anysphere-icon-button',
		'button[aria-label="Send"]',
		'.send-with-mode button',
	];
	for (const sel of selectors) {
		const btn = document.querySelector(sel);
		if (btn) {
			setTimeout(() => btn.click(), 0);
			return 'OK: ' + sel;
		}
	}
	return 'ERROR: no send button';
}`

// jsClickSendOnly clicks send without requiring editor text (image-only
// sends).
const jsClickSendOnly = `() => {
	const selectors = [
		'.send-with-mode .anysphere-icon-button',
		'button[aria-label="Send"]',
		'.send-with-mode button',
	];
	for (const sel of selectors) {
		const btn = document.querySelector(sel);
		if (btn) {
			setTimeout(() => btn.click(), 0);
			return 'OK: ' + sel;
		}
	}
	return 'ERROR: no send button';
}`

// jsClickLocator clicks an arbitrary element by CSS selector.
const jsClickLocator = `(selector) => {
	const el = document.querySelector(selector);
	if (!el) return 'ERROR: element not found';
	el.click();
	return 'OK';
}`

// jsSwitchConversation activates a chat tab by its data-pm-id. Agent tabs
// respond to click on the inner link; editor-group tabs activate on
// mousedown, not click. File tabs can share a data-pm-id with adjacent chat
// tabs, so candidates are filtered for actual chat tabs.
const jsSwitchConversation = `(id) => {
	const candidates = document.querySelectorAll('[data-pm-id="' + id + '"]');
	let el = null;
	for (const c of candidates) {
		if (c.querySelector('a[aria-id="chat-horizontal-tab"]')) { el = c; break; }
		if (c.querySelector('.composer-tab-label')) { el = c; break; }
	}
	if (!el) return 'ERROR: tab not found';
	const a = el.querySelector('a[aria-id="chat-horizontal-tab"]');
	if (a) { a.click(); return a.getAttribute('aria-label') || 'OK'; }
	el.dispatchEvent(new MouseEvent('mousedown', { bubbles: true, cancelable: true, button: 0 }));
	const label = el.querySelector('.composer-tab-label') || el.querySelector('.label-name');
	return label ? (label.textContent.trim() || 'OK') : 'OK';
}`

// jsIsGenerating reports whether the assistant is still streaming (the stop
// button is present only while generating).
const jsIsGenerating = `() => !!document.querySelector('[data-stop-button="true"]')`

// jsElementRect scrolls an element into view and returns its padded bounding
// box in CSS pixels together with the viewport size.
const jsElementRect = `(selector) => {
	const container = document.querySelector(selector);
	if (!container) return null;
	container.scrollIntoView({ block: 'center', behavior: 'instant' });
	const target = container.querySelector('table.markdown-table') || container.querySelector('table') || container;
	const r = target.getBoundingClientRect();
	const pad = 6;
	return JSON.stringify({
		x: Math.max(0, r.x - pad),
		y: Math.max(0, r.y - pad),
		width: r.width + pad * 2,
		height: r.height + pad * 2,
		viewport_w: window.innerWidth,
		viewport_h: window.innerHeight
	});
}`

// jsPasteImage injects an image file into the composer via a synthetic
// ClipboardEvent, the same path a manual paste takes.
const jsPasteImage = `(b64, mime, filename) => {
	const binary = atob(b64);
	const bytes = new Uint8Array(binary.length);
	for (let i = 0; i < binary.length; i++) bytes[i] = binary.charCodeAt(i);
	const file = new File([new Blob([bytes], { type: mime })], filename, { type: mime });
	const dt = new DataTransfer();
	dt.items.add(file);

	let editor = document.querySelector('.aislash-editor-input');
	if (!editor) {
		for (const ed of document.querySelectorAll('[data-lexical-editor="true"]')) {
			if (ed.contentEditable === 'true') { editor = ed; break; }
		}
	}
	if (!editor) return 'ERROR: no editor for paste';
	editor.dispatchEvent(new ClipboardEvent('paste', { bubbles: true, cancelable: true, clipboardData: dt }));
	return 'OK';
}`

package cdp

// Functions below run with the target element bound to this.

const jsClick = `function() {
	if (typeof this.click !== 'function') { return false; }
	this.scrollIntoView({block: 'center'});
	this.click();
	return true;
}`

const jsSetValue = `function(v) {
	this.focus();
	if (this.isContentEditable) {
		this.textContent = v;
	} else {
		const desc = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(this), 'value');
		if (desc && desc.set) { desc.set.call(this, v); } else { this.value = v; }
	}
	this.dispatchEvent(new Event('input', {bubbles: true}));
	this.dispatchEvent(new Event('change', {bubbles: true}));
	this.blur();
	return String(this.isContentEditable ? this.textContent : this.value);
}`

const jsSelect = `function(want, byText) {
	if (this.tagName !== 'SELECT') { return false; }
	const norm = function(s) { return String(s || '').replace(/\s+/g, ' ').trim().toLowerCase(); };
	const opts = Array.from(this.options);
	let hit = null;
	if (byText) {
		const w = norm(want);
		hit = opts.find(function(o) { return norm(o.text) === w; }) ||
			(w === '' ? null : opts.find(function(o) { return norm(o.text).indexOf(w) !== -1; }));
	} else {
		hit = opts.find(function(o) { return o.value === want; });
	}
	if (!hit) { return false; }
	this.value = hit.value;
	hit.selected = true;
	this.dispatchEvent(new Event('input', {bubbles: true}));
	this.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
}`

const jsText = `function() {
	return String(this.innerText || this.textContent || '').replace(/\s+/g, ' ').trim();
}`

// jsSerialize clones a document and writes live state into the clone:
// values, checked and selected flags, and a hidden attribute on elements the
// layout hides.
const jsSerialize = `function(doc) {
	if (!doc || !doc.documentElement) { return ''; }
	const root = doc.documentElement;
	const copy = root.cloneNode(true);
	const live = root.querySelectorAll('*');
	const dead = copy.querySelectorAll('*');
	const win = doc.defaultView;
	for (let i = 0; i < live.length && i < dead.length; i++) {
		const el = live[i], c = dead[i], tag = el.tagName;
		if (tag === 'SCRIPT' || tag === 'STYLE' || tag === 'NOSCRIPT') { c.textContent = ''; continue; }
		if (tag === 'INPUT') {
			const t = (el.type || '').toLowerCase();
			if (t === 'checkbox' || t === 'radio') {
				if (el.checked) { c.setAttribute('checked', ''); } else { c.removeAttribute('checked'); }
			} else if (t !== 'password') {
				c.setAttribute('value', el.value || '');
			}
		} else if (tag === 'TEXTAREA') {
			c.textContent = el.value || '';
		} else if (tag === 'OPTION') {
			if (el.selected) { c.setAttribute('selected', ''); } else { c.removeAttribute('selected'); }
			continue;
		}
		if (win && !c.hasAttribute('hidden') && el.closest('body')) {
			const st = win.getComputedStyle(el);
			if (st && (st.display === 'none' || st.visibility === 'hidden')) { c.setAttribute('hidden', ''); }
		}
	}
	return copy.outerHTML;
}`
